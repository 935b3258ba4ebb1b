package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/pkg/errors"
)

const (
	maxNotesBytes  = 1000
	maxReasonBytes = 500
	// Fixes stamped further ahead than this are treated as a broken device clock.
	maxLocationSkew = 5 * time.Minute
)

func (e *Engine) CreateRequest(ctx context.Context, in models.CreateRequestInput) (*models.ServiceRequest, error) {
	if in.CustomerID <= 0 {
		return nil, models.Invalid("customerId", "must be positive")
	}
	if !in.ServiceType.Valid() {
		return nil, models.Invalid("serviceType", "unknown service type")
	}
	if in.VehicleType == "" {
		in.VehicleType = models.VehicleFourWheeler
	}
	if !in.VehicleType.Valid() {
		return nil, models.Invalid("vehicleType", "unknown vehicle type")
	}
	if in.Priority == "" {
		in.Priority = models.PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, models.Invalid("priority", "unknown priority")
	}
	if in.Source == "" {
		in.Source = models.SourceApp
	}
	if !in.Source.Valid() {
		return nil, models.Invalid("source", "unknown source")
	}
	if !in.Location.Valid() {
		return nil, models.Invalid("location", "lat must be in [-90,90] and lng in [-180,180]")
	}
	notes := strings.TrimSpace(in.Notes)
	if len(notes) > maxNotesBytes {
		return nil, models.Invalid("notes", "too long")
	}

	now := e.clk.Now()
	r := &models.ServiceRequest{
		ID:          e.ids.NewID(),
		CustomerID:  in.CustomerID,
		ServiceType: in.ServiceType,
		VehicleType: in.VehicleType,
		Priority:    in.Priority,
		Source:      in.Source,
		Status:      models.StatusPendingDispatch,
		Location:    models.Location{GeoPoint: in.Location, Notes: notes},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := e.mutate(ctx, r.ID, func(tx storage.Tx) (outcome, error) {
		if err := tx.InsertRequest(ctx, r); err != nil {
			return outcome{}, err
		}
		actor := models.Customer(r.CustomerID)
		ev := models.NewEvent(r.ID, models.EventStatusChanged, models.StatusChangedPayload{
			To:    models.StatusPendingDispatch,
			Actor: &actor,
		}, now)
		return outcome{req: r, events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("request created", "request_id", r.ID, "customer_id", r.CustomerID, "service_type", r.ServiceType, "priority", r.Priority)
	return r.Clone(), nil
}

// AcceptRequest binds a provider. Exactly one of N concurrent callers wins; the rest
// get AlreadyAssignedError.
func (e *Engine) AcceptRequest(ctx context.Context, id string, providerID int64) (*models.ServiceRequest, error) {
	if providerID <= 0 {
		return nil, models.Invalid("providerId", "must be positive")
	}

	var result *models.ServiceRequest
	_, err := e.mutate(ctx, id, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return outcome{}, err
		}

		if r.ProviderID != nil {
			if *r.ProviderID == providerID && r.Status == models.StatusDispatched {
				result = r
				return outcome{}, nil
			}
			if *r.ProviderID == providerID {
				return outcome{}, &models.IllegalTransitionError{RequestID: id, From: r.Status, To: models.StatusDispatched, Reason: models.ReasonNotForwardEdge}
			}
			return outcome{}, &models.AlreadyAssignedError{RequestID: id, ProviderID: *r.ProviderID}
		}
		if r.Status != models.StatusPendingDispatch {
			return outcome{}, &models.IllegalTransitionError{RequestID: id, From: r.Status, To: models.StatusDispatched, Reason: models.ReasonNotAvailable}
		}

		ch := models.StatusChange{
			RequestID:  id,
			From:       r.Status,
			To:         models.StatusDispatched,
			ProviderID: models.Ptr(providerID),
			At:         e.clk.Now(),
		}
		if err := casStatus(ctx, tx, ch); err != nil {
			return outcome{}, err
		}
		actor := models.Provider(providerID)
		result = applyChange(r, ch)
		return outcome{req: result, events: []models.StatusEvent{e.statusEvent(ch, models.StatusChangedPayload{Actor: &actor})}}, nil
	})
	if err != nil {
		var taken *models.AlreadyAssignedError
		if errors.As(err, &taken) {
			slog.Info("accept lost", "request_id", id, "provider_id", providerID, "holder_id", taken.ProviderID)
		}
		return nil, err
	}
	return result, nil
}

// AdvanceStatus moves an assigned request one step along DISPATCHED -> ARRIVED ->
// SERVICE_IN_PROGRESS. Fare states are driven by the quote engine only.
func (e *Engine) AdvanceStatus(ctx context.Context, id string, actor models.Actor, next models.Status) (*models.ServiceRequest, error) {
	if !next.Valid() {
		return nil, models.Invalid("status", "unknown status")
	}

	var result *models.ServiceRequest
	_, err := e.mutate(ctx, id, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return outcome{}, err
		}

		illegal := func(reason string) error {
			return &models.IllegalTransitionError{RequestID: id, From: r.Status, To: next, Reason: reason}
		}
		switch {
		case r.Status.Terminal():
			return outcome{}, illegal(models.ReasonTerminal)
		case next == models.StatusFinalFarePending || next == models.StatusCompleted:
			return outcome{}, illegal(models.ReasonReservedForFare)
		case actor.Role != models.RoleProvider || !r.IsAssignedTo(actor.ID):
			return outcome{}, illegal(models.ReasonActorNotPermitted)
		}
		if want, ok := r.Status.Next(); !ok || want != next || (next != models.StatusArrived && next != models.StatusServiceInProgress) {
			return outcome{}, illegal(models.ReasonNotForwardEdge)
		}

		ch := models.StatusChange{RequestID: id, From: r.Status, To: next, ProviderID: r.ProviderID, At: e.clk.Now()}
		if err := casStatus(ctx, tx, ch); err != nil {
			return outcome{}, err
		}
		result = applyChange(r, ch)
		return outcome{req: result, events: []models.StatusEvent{e.statusEvent(ch, models.StatusChangedPayload{Actor: &actor})}}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel is idempotent: a request that is already terminal is returned unchanged.
func (e *Engine) Cancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.ServiceRequest, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonBytes {
		return nil, models.Invalid("reason", "too long")
	}

	var result *models.ServiceRequest
	_, err := e.mutate(ctx, id, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return outcome{}, err
		}

		isProvider := actor.Role == models.RoleProvider &&
			(r.IsAssignedTo(actor.ID) || (r.Status.Terminal() && r.PreviousProviderID != nil && *r.PreviousProviderID == actor.ID))
		allowed := actor.Role == models.RoleAdmin ||
			(actor.Role == models.RoleCustomer && r.CustomerID == actor.ID) ||
			isProvider
		if !allowed {
			return outcome{}, &models.NotAuthorizedError{RequestID: id, Actor: actor, Action: "cancel"}
		}

		if r.Status.Terminal() {
			result = r
			return outcome{}, nil
		}
		if actor.Role == models.RoleProvider && !r.Status.Before(models.StatusServiceInProgress) {
			return outcome{}, &models.IllegalTransitionError{RequestID: id, From: r.Status, To: models.StatusCancelled, Reason: models.ReasonProviderMidService}
		}

		ch := models.StatusChange{
			RequestID:          id,
			From:               r.Status,
			To:                 models.StatusCancelled,
			PreviousProviderID: r.ProviderID,
			CancelledBy:        models.Ptr(actor.ID),
			At:                 e.clk.Now(),
		}
		if reason != "" {
			ch.CancelReason = models.Ptr(reason)
		}
		if err := casStatus(ctx, tx, ch); err != nil {
			return outcome{}, err
		}
		result = applyChange(r, ch)
		ev := e.statusEvent(ch, models.StatusChangedPayload{Actor: &actor, Reason: reason, ProviderID: r.ProviderID})
		return outcome{req: result, events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ForceStatus is the audited admin override: forward jumps or cancellation only, never
// out of a terminal state.
func (e *Engine) ForceStatus(ctx context.Context, id string, actor models.Actor, target models.Status, reason string, providerID *int64) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleAdmin {
		return nil, &models.NotAuthorizedError{RequestID: id, Actor: actor, Action: "force status of"}
	}
	if !target.Valid() {
		return nil, models.Invalid("status", "unknown status")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.Invalid("reason", "required for forced transitions")
	}
	if len(reason) > maxReasonBytes {
		return nil, models.Invalid("reason", "too long")
	}
	if providerID != nil && *providerID <= 0 {
		return nil, models.Invalid("providerId", "must be positive")
	}

	var result *models.ServiceRequest
	_, err := e.mutate(ctx, id, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return outcome{}, err
		}
		illegal := func(reason string) error {
			return &models.IllegalTransitionError{RequestID: id, From: r.Status, To: target, Reason: reason}
		}
		if r.Status.Terminal() {
			return outcome{}, illegal(models.ReasonTerminal)
		}
		if target != models.StatusCancelled && !r.Status.Before(target) {
			return outcome{}, illegal(models.ReasonForceNotForward)
		}

		now := e.clk.Now()
		ch := models.StatusChange{RequestID: id, From: r.Status, To: target, At: now}
		switch {
		case target == models.StatusCancelled:
			ch.PreviousProviderID = r.ProviderID
			ch.CancelledBy = models.Ptr(actor.ID)
			ch.CancelReason = models.Ptr(reason)
		case r.ProviderID != nil:
			if providerID != nil && *providerID != *r.ProviderID {
				return outcome{}, &models.AlreadyAssignedError{RequestID: id, ProviderID: *r.ProviderID}
			}
			ch.ProviderID = r.ProviderID
		case target.RequiresProvider():
			if providerID == nil {
				return outcome{}, illegal(models.ReasonMissingProvider)
			}
			ch.ProviderID = providerID
		}

		if err := casStatus(ctx, tx, ch); err != nil {
			return outcome{}, err
		}
		if err := tx.InsertAudit(ctx, &models.AuditEntry{
			RequestID: id,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			From:      r.Status,
			To:        target,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return outcome{}, err
		}

		result = applyChange(r, ch)
		ev := e.statusEvent(ch, models.StatusChangedPayload{Actor: &actor, Reason: reason, Forced: true})
		return outcome{req: result, events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Warn("status forced", "request_id", id, "admin_id", actor.ID, "to", target, "reason", reason)
	return result, nil
}

// UpdateProviderLocation is last-write-wins by recordedAt. A stale fix is dropped and
// reported as applied=false.
func (e *Engine) UpdateProviderLocation(ctx context.Context, id string, providerID int64, p models.GeoPoint, recordedAt time.Time) (bool, error) {
	if providerID <= 0 {
		return false, models.Invalid("providerId", "must be positive")
	}
	if !p.Valid() {
		return false, models.Invalid("location", "lat must be in [-90,90] and lng in [-180,180]")
	}
	now := e.clk.Now()
	if recordedAt.IsZero() {
		recordedAt = now
	}
	if recordedAt.After(now.Add(maxLocationSkew)) {
		return false, models.Invalid("recordedAt", "in the future")
	}
	recordedAt = recordedAt.UTC().Truncate(time.Microsecond)

	var applied bool
	_, err := e.mutate(ctx, id, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, id)
		if err != nil {
			return outcome{}, err
		}
		if !r.IsAssignedTo(providerID) {
			return outcome{}, &models.NotAuthorizedError{RequestID: id, Actor: models.Provider(providerID), Action: "report location for"}
		}
		if !r.Status.RequiresProvider() || r.Status.Terminal() {
			return outcome{}, &models.InvalidStateError{RequestID: id, Status: r.Status, Op: "update provider location"}
		}

		applied, err = tx.UpdateProviderLocation(ctx, id, p, recordedAt)
		if err != nil || !applied {
			return outcome{}, err
		}

		n := r.Clone()
		n.ProviderLocation = &p
		n.ProviderLocationAt = &recordedAt
		ev := models.NewEvent(id, models.EventLocationUpdate, models.LocationPayload{
			ProviderID: providerID,
			Lat:        p.Lat,
			Lng:        p.Lng,
			RecordedAt: recordedAt,
		}, now)
		return outcome{req: n, events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
