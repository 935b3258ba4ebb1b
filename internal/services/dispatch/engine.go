// Package dispatch implements the service request lifecycle: creation, provider
// assignment, on-site progress, cancellation, fare settlement and request chat.
//
// Every mutation of a request runs under one discipline: the in-process lock for the
// request id, then one store transaction that row-locks the request and applies a
// compare-and-swap status write. Events are published only after the commit, still
// under the request lock, so the broadcaster sees them in commit order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/cache"
	"github.com/BearBump/AidBox/internal/clock"
	"github.com/BearBump/AidBox/internal/keylock"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/pkg/errors"
)

// Broadcaster is the event fan-out the engine publishes to.
type Broadcaster interface {
	Publish(ev models.StatusEvent) (models.StatusEvent, error)
	Resync(ctx context.Context, requestID string) (*broadcast.ResyncResult, error)
}

type Engine struct {
	repo      storage.Repository
	locks     *keylock.Map
	bus       Broadcaster
	clk       clock.Clock
	ids       clock.IDGenerator
	snapshots *cache.JSON[*models.ServiceRequest]
}

// NewEngine wires the engine. c may be nil; then reads always hit the store.
func NewEngine(repo storage.Repository, bus Broadcaster, clk clock.Clock, ids clock.IDGenerator, c cache.BytesCache, snapshotTTL time.Duration) *Engine {
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	e := &Engine{repo: repo, locks: keylock.New(), bus: bus, clk: clk, ids: ids}
	if c != nil && snapshotTTL > 0 {
		e.snapshots = cache.NewJSON[*models.ServiceRequest](c, snapshotTTL)
	}
	return e
}

type outcome struct {
	req    *models.ServiceRequest // new state, nil when the request row is unchanged
	events []models.StatusEvent
}

// mutate runs fn in one transaction under the request lock and publishes the
// returned events after a successful commit.
func (e *Engine) mutate(ctx context.Context, requestID string, fn func(tx storage.Tx) (outcome, error)) ([]models.StatusEvent, error) {
	unlock, err := e.locks.Lock(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "lock request")
	}
	defer unlock()

	var out outcome
	err = e.repo.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, notFound(err, "request", requestID)
	}

	published := make([]models.StatusEvent, 0, len(out.events))
	for _, ev := range out.events {
		pub, err := e.bus.Publish(ev)
		if err != nil {
			// Состояние уже закоммичено; подписчики догонят через resync.
			slog.Error("publish event", "request_id", requestID, "kind", ev.Kind, "err", err)
			continue
		}
		published = append(published, pub)
	}

	if out.req != nil {
		e.storeSnapshot(ctx, out.req)
	}
	return published, nil
}

func snapshotKey(id string) string {
	return fmt.Sprintf("request:%s:snapshot", id)
}

func (e *Engine) storeSnapshot(ctx context.Context, r *models.ServiceRequest) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Set(ctx, snapshotKey(r.ID), r); err != nil {
		slog.Warn("snapshot cache set failed", "request_id", r.ID, "err", err)
		// устаревший снимок хуже пустого
		_ = e.snapshots.Delete(ctx, snapshotKey(r.ID))
	}
}

// GetRequest reads through the snapshot cache.
func (e *Engine) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	if e.snapshots != nil {
		r, ok, err := e.snapshots.Get(ctx, snapshotKey(id))
		if err != nil {
			slog.Warn("snapshot cache get failed", "request_id", id, "err", err)
		} else if ok && r != nil {
			return r, nil
		}
	}

	if e.snapshots == nil {
		r, err := e.repo.GetRequest(ctx, id)
		if err != nil {
			return nil, notFound(err, "request", id)
		}
		return r, nil
	}

	// Промах заполняем под тем же локом, что и мутации: иначе чтение, начатое до
	// коммита, положит в кеш статус, который мутация уже перезаписала.
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "lock request")
	}
	defer unlock()
	r, err := e.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	e.storeSnapshot(ctx, r)
	return r, nil
}

// ListRequests scopes the filter to what the actor may see: customers only their own
// requests, providers their jobs or the open PENDING_DISPATCH pool.
func (e *Engine) ListRequests(ctx context.Context, actor models.Actor, f models.RequestFilter) ([]*models.ServiceRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, models.Invalid("status", "unknown status")
	}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleCustomer:
		f.CustomerID = actor.ID
	case models.RoleProvider:
		if f.Status != models.StatusPendingDispatch {
			f.ProviderID = actor.ID
		}
	default:
		return nil, &models.NotAuthorizedError{Actor: actor, Action: "list"}
	}
	return e.repo.ListRequests(ctx, f)
}

// Resync returns the authoritative snapshot and the event head to resume from.
func (e *Engine) Resync(ctx context.Context, id string) (*broadcast.ResyncResult, error) {
	res, err := e.bus.Resync(ctx, id)
	if err != nil {
		return nil, notFound(err, "request", id)
	}
	return res, nil
}

func (e *Engine) Audit(ctx context.Context, actor models.Actor, id string) ([]*models.AuditEntry, error) {
	if actor.Role != models.RoleAdmin {
		return nil, &models.NotAuthorizedError{RequestID: id, Actor: actor, Action: "read audit of"}
	}
	return e.repo.ListAudit(ctx, id)
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &models.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// applyChange mirrors the store's CompareAndSetStatus on an in-memory copy.
func applyChange(r *models.ServiceRequest, ch models.StatusChange) *models.ServiceRequest {
	n := r.Clone()
	n.Status = ch.To
	n.ProviderID = ch.ProviderID
	if ch.PreviousProviderID != nil {
		n.PreviousProviderID = ch.PreviousProviderID
	}
	if ch.CancelReason != nil {
		n.CancelReason = ch.CancelReason
	}
	if ch.CancelledBy != nil {
		n.CancelledBy = ch.CancelledBy
	}
	n.UpdatedAt = ch.At
	return n
}

// casStatus applies ch and fails if the row moved under the lock, which means another
// writer bypassed the request lock.
func casStatus(ctx context.Context, tx storage.Tx, ch models.StatusChange) error {
	ok, err := tx.CompareAndSetStatus(ctx, ch)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("request %s: status changed concurrently, expected %s", ch.RequestID, ch.From)
	}
	return nil
}

func (e *Engine) statusEvent(ch models.StatusChange, p models.StatusChangedPayload) models.StatusEvent {
	p.From = ch.From
	p.To = ch.To
	if p.ProviderID == nil {
		p.ProviderID = ch.ProviderID
	}
	return models.NewEvent(ch.RequestID, models.EventStatusChanged, p, ch.At)
}
