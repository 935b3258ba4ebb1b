package models

import "fmt"

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

const (
	ReasonNotForwardEdge     = "not_forward_edge"
	ReasonTerminal           = "terminal"
	ReasonActorNotPermitted  = "actor_not_permitted"
	ReasonReservedForFare    = "reserved_for_fare_settlement"
	ReasonProviderMidService = "provider_cancel_in_service"
	ReasonNotAvailable       = "not_available"
	ReasonForceNotForward    = "force_not_forward"
	ReasonMissingProvider    = "missing_provider"
)

// IllegalTransitionError is a state-machine violation. Reason distinguishes cases the UI
// renders differently (e.g. a provider trying to abandon a job mid-service).
type IllegalTransitionError struct {
	RequestID string
	From      Status
	To        Status
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	if e.Reason == ReasonProviderMidService {
		return fmt.Sprintf("request %s: provider cannot cancel once service is in progress", e.RequestID)
	}
	return fmt.Sprintf("request %s: illegal transition %s -> %s (%s)", e.RequestID, e.From, e.To, e.Reason)
}

// AlreadyAssignedError means another provider won the accept race.
type AlreadyAssignedError struct {
	RequestID  string
	ProviderID int64
}

func (e *AlreadyAssignedError) Error() string {
	return fmt.Sprintf("request %s already taken by another provider", e.RequestID)
}

type NotAuthorizedError struct {
	RequestID string
	Actor     Actor
	Action    string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("%s %d is not allowed to %s request %s", e.Actor.Role, e.Actor.ID, e.Action, e.RequestID)
}

type AlreadyApprovedError struct {
	QuoteID   string
	RequestID string
}

func (e *AlreadyApprovedError) Error() string {
	return fmt.Sprintf("quote %s already approved", e.QuoteID)
}

type InvalidStateError struct {
	RequestID string
	Status    Status
	Op        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("request %s: cannot %s in status %s", e.RequestID, e.Op, e.Status)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

type RateLimitedError struct {
	Key string
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded: " + e.Key
}
