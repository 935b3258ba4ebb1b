package models

import (
	"math"
	"time"
)

type Status string

const (
	StatusPendingDispatch   Status = "PENDING_DISPATCH"
	StatusDispatched        Status = "DISPATCHED"
	StatusArrived           Status = "ARRIVED"
	StatusServiceInProgress Status = "SERVICE_IN_PROGRESS"
	StatusFinalFarePending  Status = "FINAL_FARE_PENDING"
	StatusCompleted         Status = "COMPLETED"
	StatusCancelled         Status = "CANCELLED"
)

// statusRank задаёт порядок вдоль основной цепочки. CANCELLED в цепочку не входит.
var statusRank = map[Status]int{
	StatusPendingDispatch:   1,
	StatusDispatched:        2,
	StatusArrived:           3,
	StatusServiceInProgress: 4,
	StatusFinalFarePending:  5,
	StatusCompleted:         6,
}

func (s Status) Valid() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RequiresProvider reports whether a request in this status must have a provider bound.
func (s Status) RequiresProvider() bool {
	switch s {
	case StatusDispatched, StatusArrived, StatusServiceInProgress, StatusFinalFarePending, StatusCompleted:
		return true
	default:
		return false
	}
}

// Next returns the single forward successor along the lifecycle graph.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPendingDispatch:
		return StatusDispatched, true
	case StatusDispatched:
		return StatusArrived, true
	case StatusArrived:
		return StatusServiceInProgress, true
	case StatusServiceInProgress:
		return StatusFinalFarePending, true
	case StatusFinalFarePending:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// Before reports whether s precedes t along the forward chain.
// Always false for CANCELLED on either side.
func (s Status) Before(t Status) bool {
	rs, ok1 := statusRank[s]
	rt, ok2 := statusRank[t]
	return ok1 && ok2 && rs < rt
}

// CanTransition is the full edge set of the lifecycle graph: the immediate forward
// successor, or CANCELLED from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

type ServiceType string

const (
	ServiceTowing       ServiceType = "TOWING"
	ServiceJumpstart    ServiceType = "JUMPSTART"
	ServiceTireChange   ServiceType = "TIRE_CHANGE"
	ServiceFuelDelivery ServiceType = "FUEL_DELIVERY"
	ServiceLockout      ServiceType = "LOCKOUT"
	ServiceGeneral      ServiceType = "GENERAL"
)

var ServiceTypes = []ServiceType{
	ServiceTowing, ServiceJumpstart, ServiceTireChange, ServiceFuelDelivery, ServiceLockout, ServiceGeneral,
}

func (t ServiceType) Valid() bool {
	for _, v := range ServiceTypes {
		if v == t {
			return true
		}
	}
	return false
}

type VehicleType string

const (
	VehicleTwoWheeler   VehicleType = "TWO_WHEELER"
	VehicleThreeWheeler VehicleType = "THREE_WHEELER"
	VehicleFourWheeler  VehicleType = "FOUR_WHEELER"
	VehicleSUV          VehicleType = "SUV"
	VehicleVan          VehicleType = "VAN"
	VehicleTruck        VehicleType = "TRUCK"
	VehicleHeavy        VehicleType = "HEAVY_VEHICLE"
)

var VehicleTypes = []VehicleType{
	VehicleTwoWheeler, VehicleThreeWheeler, VehicleFourWheeler, VehicleSUV, VehicleVan, VehicleTruck, VehicleHeavy,
}

func (t VehicleType) Valid() bool {
	for _, v := range VehicleTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh || p == PriorityCritical
}

type Source string

const (
	SourceApp      Source = "APP"
	SourceIoT      Source = "IOT"
	SourceHelpline Source = "HELPLINE"
)

func (s Source) Valid() bool {
	return s == SourceApp || s == SourceIoT || s == SourceHelpline
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid checks range only; GPS accuracy is the device's concern.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Location struct {
	GeoPoint
	Notes string `json:"notes,omitempty"`
}

type ServiceRequest struct {
	ID          string      `json:"id"`
	CustomerID  int64       `json:"customerId"`
	ProviderID  *int64      `json:"providerId,omitempty"`
	ServiceType ServiceType `json:"serviceType"`
	VehicleType VehicleType `json:"vehicleType"`
	Priority    Priority    `json:"priority"`
	Source      Source      `json:"source"`
	Status      Status      `json:"status"`
	Location    Location    `json:"location"`

	ProviderLocation   *GeoPoint  `json:"providerLocation,omitempty"`
	ProviderLocationAt *time.Time `json:"providerLocationAt,omitempty"`

	PreviousProviderID *int64  `json:"previousProviderId,omitempty"`
	CancelReason       *string `json:"cancelReason,omitempty"`
	CancelledBy        *int64  `json:"cancelledBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (r *ServiceRequest) Clone() *ServiceRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.ProviderID = clonePtr(r.ProviderID)
	c.PreviousProviderID = clonePtr(r.PreviousProviderID)
	c.CancelReason = clonePtr(r.CancelReason)
	c.CancelledBy = clonePtr(r.CancelledBy)
	c.ProviderLocation = clonePtr(r.ProviderLocation)
	c.ProviderLocationAt = clonePtr(r.ProviderLocationAt)
	return &c
}

func (r *ServiceRequest) IsAssignedTo(providerID int64) bool {
	return r.ProviderID != nil && *r.ProviderID == providerID
}

type CreateRequestInput struct {
	CustomerID  int64
	ServiceType ServiceType
	VehicleType VehicleType
	Priority    Priority
	Source      Source
	Location    GeoPoint
	Notes       string
}

// StatusChange is a compare-and-swap status write: it applies only while the stored
// status still equals From.
type StatusChange struct {
	RequestID          string
	From               Status
	To                 Status
	ProviderID         *int64
	PreviousProviderID *int64
	CancelReason       *string
	CancelledBy        *int64
	At                 time.Time
}

type RequestFilter struct {
	Status     Status
	CustomerID int64
	ProviderID int64
	Limit      int
	Offset     int
}

// PendingRequest is a PENDING_DISPATCH request claimed by the escalation worker.
type PendingRequest struct {
	Request         *ServiceRequest
	EscalationCount int32
}

type AuditEntry struct {
	ID        uint64
	RequestID string
	ActorID   int64
	ActorRole Role
	From      Status
	To        Status
	Reason    string
	CreatedAt time.Time
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func Ptr[T any](v T) *T { return &v }

// VisibleTo reports whether the actor may read the request and follow its events.
// Providers see open jobs and the ones they hold or held.
func (r *ServiceRequest) VisibleTo(a Actor) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return r.CustomerID == a.ID
	case RoleProvider:
		if r.Status == StatusPendingDispatch {
			return true
		}
		return r.IsAssignedTo(a.ID) || (r.PreviousProviderID != nil && *r.PreviousProviderID == a.ID)
	default:
		return false
	}
}
