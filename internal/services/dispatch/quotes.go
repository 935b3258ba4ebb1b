package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BearBump/AidBox/internal/integrations/pricing"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/pkg/errors"
)

const (
	maxSpareParts    = 50
	maxPartNameBytes = 200
	reasonRevised    = "quote_revised"
	reasonRejected   = "quote_rejected"
)

// QuoteEngine negotiates the final fare. Totals are always computed here; whatever
// total a client sends is ignored.
type QuoteEngine struct {
	e       *Engine
	catalog pricing.Client
	taxBps  int64
}

func NewQuoteEngine(e *Engine, catalog pricing.Client, taxBasisPoints int64) *QuoteEngine {
	return &QuoteEngine{e: e, catalog: catalog, taxBps: taxBasisPoints}
}

type FinalizeInput struct {
	SpareParts  []models.SparePart
	PlatformFee models.Money
}

func (in FinalizeInput) validate() error {
	if len(in.SpareParts) > maxSpareParts {
		return models.Invalid("spareParts", "too many items")
	}
	for _, p := range in.SpareParts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return models.Invalid("spareParts.name", "required")
		}
		if len(name) > maxPartNameBytes {
			return models.Invalid("spareParts.name", "too long")
		}
		if p.Price < 0 {
			return models.Invalid("spareParts.price", "must be non-negative")
		}
	}
	if in.PlatformFee < 0 {
		return models.Invalid("platformFee", "must be non-negative")
	}
	return nil
}

func canQuote(r *models.ServiceRequest, actor models.Actor) bool {
	return actor.Role == models.RoleAdmin || (actor.Role == models.RoleProvider && r.IsAssignedTo(actor.ID))
}

// OpenQuote starts a draft priced from the catalog, or returns the open draft.
func (q *QuoteEngine) OpenQuote(ctx context.Context, requestID string, actor models.Actor) (*models.Quote, error) {
	r, err := q.e.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, notFound(err, "request", requestID)
	}
	if !canQuote(r, actor) {
		return nil, &models.NotAuthorizedError{RequestID: requestID, Actor: actor, Action: "quote"}
	}
	if r.Status != models.StatusServiceInProgress {
		return nil, &models.InvalidStateError{RequestID: requestID, Status: r.Status, Op: "open quote"}
	}
	base, err := q.catalog.BasePrice(ctx, r.ServiceType, r.VehicleType)
	if err != nil {
		return nil, errors.Wrap(err, "base price")
	}

	var result *models.Quote
	_, err = q.e.mutate(ctx, requestID, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return outcome{}, err
		}
		if !canQuote(r, actor) {
			return outcome{}, &models.NotAuthorizedError{RequestID: requestID, Actor: actor, Action: "quote"}
		}
		if r.Status != models.StatusServiceInProgress {
			return outcome{}, &models.InvalidStateError{RequestID: requestID, Status: r.Status, Op: "open quote"}
		}

		version := 1
		cur, err := tx.CurrentQuote(ctx, requestID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return outcome{}, err
		case !cur.IsFinal && cur.ApprovedAt == nil && !cur.Rejected():
			result = cur
			return outcome{}, nil
		default:
			version = cur.Version + 1
		}

		now := q.e.clk.Now()
		result = &models.Quote{
			ID:         q.e.ids.NewID(),
			RequestID:  requestID,
			Version:    version,
			BasePrice:  base,
			SpareParts: []models.SparePart{},
			CreatedAt:  now,
		}
		return outcome{}, tx.InsertQuote(ctx, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Finalize fixes spare parts and fee, computes tax and moves the request to
// FINAL_FARE_PENDING. On a request already waiting for approval it issues a new
// version and supersedes the pending (or rejected) one.
func (q *QuoteEngine) Finalize(ctx context.Context, quoteID string, actor models.Actor, in FinalizeInput) (*models.Quote, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	parts := make([]models.SparePart, 0, len(in.SpareParts))
	for _, p := range in.SpareParts {
		parts = append(parts, models.SparePart{Name: strings.TrimSpace(p.Name), Price: p.Price})
	}

	requestID, err := q.requestOf(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	var result *models.Quote
	_, err = q.e.mutate(ctx, requestID, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return outcome{}, err
		}
		cur, err := tx.LockQuote(ctx, quoteID)
		if err != nil {
			return outcome{}, notFound(err, "quote", quoteID)
		}
		if actor.Role != models.RoleProvider || !r.IsAssignedTo(actor.ID) {
			return outcome{}, &models.NotAuthorizedError{RequestID: requestID, Actor: actor, Action: "finalize quote of"}
		}
		if cur.ApprovedAt != nil {
			return outcome{}, &models.AlreadyApprovedError{QuoteID: quoteID, RequestID: requestID}
		}
		if cur.Superseded() {
			return outcome{}, &models.InvalidStateError{RequestID: requestID, Status: r.Status, Op: "finalize superseded quote"}
		}

		subtotal, err := models.Sum(append([]models.Money{cur.BasePrice, in.PlatformFee}, partPrices(parts)...)...)
		if err != nil {
			return outcome{}, models.Invalid("spareParts", err.Error())
		}
		tax, err := subtotal.ApplyBasisPoints(q.taxBps)
		if err != nil {
			return outcome{}, models.Invalid("spareParts", err.Error())
		}
		if _, err := models.Sum(subtotal, tax); err != nil {
			return outcome{}, models.Invalid("spareParts", err.Error())
		}
		now := q.e.clk.Now()

		switch {
		case r.Status == models.StatusServiceInProgress && !cur.IsFinal:
			cur.SpareParts = parts
			cur.PlatformFee = in.PlatformFee
			cur.TaxAmount = tax
			cur.IsFinal = true
			cur.FinalizedAt = &now
			if err := tx.UpdateQuote(ctx, cur); err != nil {
				return outcome{}, err
			}
			ch := models.StatusChange{RequestID: requestID, From: r.Status, To: models.StatusFinalFarePending, ProviderID: r.ProviderID, At: now}
			if err := casStatus(ctx, tx, ch); err != nil {
				return outcome{}, err
			}
			result = cur
			ev := q.e.statusEvent(ch, models.StatusChangedPayload{Actor: &actor, QuoteID: models.Ptr(cur.ID)})
			return outcome{req: applyChange(r, ch), events: []models.StatusEvent{ev}}, nil

		case r.Status == models.StatusFinalFarePending && (cur.IsFinal || cur.Rejected()):
			next := &models.Quote{
				ID:          q.e.ids.NewID(),
				RequestID:   requestID,
				Version:     cur.Version + 1,
				BasePrice:   cur.BasePrice,
				SpareParts:  parts,
				PlatformFee: in.PlatformFee,
				TaxAmount:   tax,
				IsFinal:     true,
				FinalizedAt: &now,
				CreatedAt:   now,
			}
			cur.IsFinal = false
			cur.SupersededBy = models.Ptr(next.ID)
			cur.SupersededAt = &now
			// старую версию снимаем первой, иначе сработает уникальный индекс
			if err := tx.UpdateQuote(ctx, cur); err != nil {
				return outcome{}, err
			}
			if err := tx.InsertQuote(ctx, next); err != nil {
				return outcome{}, err
			}
			result = next
			ev := models.NewEvent(requestID, models.EventStatusChanged, models.StatusChangedPayload{
				From:       r.Status,
				To:         r.Status,
				ProviderID: r.ProviderID,
				Actor:      &actor,
				Reason:     reasonRevised,
				QuoteID:    models.Ptr(next.ID),
			}, now)
			return outcome{events: []models.StatusEvent{ev}}, nil

		default:
			return outcome{}, &models.InvalidStateError{RequestID: requestID, Status: r.Status, Op: "finalize quote"}
		}
	})
	if err != nil {
		return nil, err
	}
	slog.Info("quote finalized", "request_id", requestID, "quote_id", result.ID, "version", result.Version, "total", result.DynamicTotal().String())
	return result, nil
}

// Approve is the customer's acceptance of the pending fare; it completes the request
// in the same transaction.
func (q *QuoteEngine) Approve(ctx context.Context, quoteID string, actor models.Actor) (*models.Quote, error) {
	requestID, err := q.requestOf(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	var result *models.Quote
	_, err = q.e.mutate(ctx, requestID, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return outcome{}, err
		}
		cur, err := tx.LockQuote(ctx, quoteID)
		if err != nil {
			return outcome{}, notFound(err, "quote", quoteID)
		}
		if actor.Role != models.RoleCustomer || r.CustomerID != actor.ID {
			return outcome{}, &models.NotAuthorizedError{RequestID: requestID, Actor: actor, Action: "approve quote of"}
		}
		if cur.ApprovedAt != nil {
			return outcome{}, &models.AlreadyApprovedError{QuoteID: quoteID, RequestID: requestID}
		}
		if !cur.PendingApproval() || r.Status != models.StatusFinalFarePending {
			return outcome{}, &models.InvalidStateError{RequestID: requestID, Status: r.Status, Op: "approve quote"}
		}

		now := q.e.clk.Now()
		cur.ApprovedAt = &now
		if err := tx.UpdateQuote(ctx, cur); err != nil {
			return outcome{}, err
		}
		ch := models.StatusChange{RequestID: requestID, From: r.Status, To: models.StatusCompleted, ProviderID: r.ProviderID, At: now}
		if err := casStatus(ctx, tx, ch); err != nil {
			return outcome{}, err
		}
		result = cur
		ev := q.e.statusEvent(ch, models.StatusChangedPayload{Actor: &actor, QuoteID: models.Ptr(cur.ID)})
		return outcome{req: applyChange(r, ch), events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("quote approved", "request_id", requestID, "quote_id", quoteID, "total", result.DynamicTotal().String())
	return result, nil
}

// Reject returns the pending fare to the provider. The quote is archived and the
// request stays in FINAL_FARE_PENDING until a revised version is finalized.
func (q *QuoteEngine) Reject(ctx context.Context, quoteID string, actor models.Actor) (*models.Quote, error) {
	requestID, err := q.requestOf(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	var result *models.Quote
	_, err = q.e.mutate(ctx, requestID, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return outcome{}, err
		}
		cur, err := tx.LockQuote(ctx, quoteID)
		if err != nil {
			return outcome{}, notFound(err, "quote", quoteID)
		}
		if actor.Role != models.RoleCustomer || r.CustomerID != actor.ID {
			return outcome{}, &models.NotAuthorizedError{RequestID: requestID, Actor: actor, Action: "reject quote of"}
		}
		if cur.ApprovedAt != nil {
			return outcome{}, &models.AlreadyApprovedError{QuoteID: quoteID, RequestID: requestID}
		}
		if !cur.PendingApproval() || r.Status != models.StatusFinalFarePending {
			return outcome{}, &models.InvalidStateError{RequestID: requestID, Status: r.Status, Op: "reject quote"}
		}

		now := q.e.clk.Now()
		cur.IsFinal = false
		cur.RejectedAt = &now
		if err := tx.UpdateQuote(ctx, cur); err != nil {
			return outcome{}, err
		}
		result = cur
		ev := models.NewEvent(requestID, models.EventStatusChanged, models.StatusChangedPayload{
			From:       r.Status,
			To:         r.Status,
			ProviderID: r.ProviderID,
			Actor:      &actor,
			Reason:     reasonRejected,
			QuoteID:    models.Ptr(cur.ID),
		}, now)
		return outcome{events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("quote rejected", "request_id", requestID, "quote_id", quoteID, "version", result.Version)
	return result, nil
}

func (q *QuoteEngine) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	quote, err := q.e.repo.GetQuote(ctx, id)
	if err != nil {
		return nil, notFound(err, "quote", id)
	}
	return quote, nil
}

func (q *QuoteEngine) ListQuotes(ctx context.Context, requestID string) ([]*models.Quote, error) {
	if _, err := q.e.repo.GetRequest(ctx, requestID); err != nil {
		return nil, notFound(err, "request", requestID)
	}
	return q.e.repo.ListQuotes(ctx, requestID)
}

func (q *QuoteEngine) requestOf(ctx context.Context, quoteID string) (string, error) {
	quote, err := q.e.repo.GetQuote(ctx, quoteID)
	if err != nil {
		return "", notFound(err, "quote", quoteID)
	}
	return quote.RequestID, nil
}

func partPrices(parts []models.SparePart) []models.Money {
	out := make([]models.Money, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.Price)
	}
	return out
}
