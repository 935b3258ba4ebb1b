// Package storage defines the RequestStore contract shared by the Postgres and the
// in-memory implementations.
package storage

import (
	"context"
	"time"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Tx is one atomic unit of work. Nothing written through it is visible to other
// readers until the surrounding Repository.Atomic call returns nil.
type Tx interface {
	InsertRequest(ctx context.Context, r *models.ServiceRequest) error
	// LockRequest reads the request and holds its row until commit.
	LockRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	// CompareAndSetStatus applies ch only if the stored status still equals ch.From.
	CompareAndSetStatus(ctx context.Context, ch models.StatusChange) (bool, error)
	// UpdateProviderLocation is last-write-wins: it applies only when at is newer
	// than the stored location timestamp.
	UpdateProviderLocation(ctx context.Context, id string, p models.GeoPoint, at time.Time) (bool, error)

	InsertQuote(ctx context.Context, q *models.Quote) error
	LockQuote(ctx context.Context, id string) (*models.Quote, error)
	UpdateQuote(ctx context.Context, q *models.Quote) error
	// CurrentQuote returns the latest non-superseded quote of a request, or ErrNotFound.
	CurrentQuote(ctx context.Context, requestID string) (*models.Quote, error)

	InsertChatMessage(ctx context.Context, m *models.ChatMessage) error
	InsertAudit(ctx context.Context, a *models.AuditEntry) error
}

type Repository interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	ListRequests(ctx context.Context, f models.RequestFilter) ([]*models.ServiceRequest, error)
	GetQuote(ctx context.Context, id string) (*models.Quote, error)
	ListQuotes(ctx context.Context, requestID string) ([]*models.Quote, error)
	ListChatMessages(ctx context.Context, requestID string, limit, offset int) ([]*models.ChatMessage, error)
	ListAudit(ctx context.Context, requestID string) ([]*models.AuditEntry, error)
}

// NormalizePage mirrors the limits the HTTP API documents.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
