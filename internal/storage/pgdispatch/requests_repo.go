package pgdispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const requestColumns = `
  id, customer_id, provider_id,
  service_type, vehicle_type, priority, source, status,
  lat, lng, notes,
  provider_lat, provider_lng, provider_location_at,
  previous_provider_id, cancel_reason, cancelled_by,
  created_at, updated_at`

func scanRequest(row pgx.Row) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var pLat, pLng *float64
	if err := row.Scan(
		&r.ID, &r.CustomerID, &r.ProviderID,
		&r.ServiceType, &r.VehicleType, &r.Priority, &r.Source, &r.Status,
		&r.Location.Lat, &r.Location.Lng, &r.Location.Notes,
		&pLat, &pLng, &r.ProviderLocationAt,
		&r.PreviousProviderID, &r.CancelReason, &r.CancelledBy,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if pLat != nil && pLng != nil {
		r.ProviderLocation = &models.GeoPoint{Lat: *pLat, Lng: *pLng}
	}
	return &r, nil
}

func getRequest(ctx context.Context, q dbtx, id string, forUpdate bool) (*models.ServiceRequest, error) {
	sql := `SELECT` + requestColumns + ` FROM service_requests WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "select request")
	}
	return r, nil
}

func (s *Storage) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return getRequest(ctx, s.db, id, false)
}

func (s *Storage) ListRequests(ctx context.Context, f models.RequestFilter) ([]*models.ServiceRequest, error) {
	limit, offset := storage.NormalizePage(f.Limit, f.Offset)

	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CustomerID != 0 {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.ProviderID != 0 {
		args = append(args, f.ProviderID)
		where = append(where, fmt.Sprintf("provider_id = $%d", len(args)))
	}

	sql := `SELECT` + requestColumns + ` FROM service_requests`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select requests")
	}
	defer rows.Close()

	out := make([]*models.ServiceRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan request")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CountPending is the PENDING_DISPATCH backlog by priority.
func (s *Storage) CountPending(ctx context.Context) (map[models.Priority]int64, error) {
	rows, err := s.db.Query(ctx, `
SELECT priority, count(*)
FROM service_requests
WHERE status = $1
GROUP BY priority
`, string(models.StatusPendingDispatch))
	if err != nil {
		return nil, errors.Wrap(err, "count pending")
	}
	defer rows.Close()

	out := make(map[models.Priority]int64)
	for rows.Next() {
		var p string
		var n int64
		if err := rows.Scan(&p, &n); err != nil {
			return nil, errors.Wrap(err, "scan pending count")
		}
		out[models.Priority(p)] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (t *tx) InsertRequest(ctx context.Context, r *models.ServiceRequest) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO service_requests (
  id, customer_id, service_type, vehicle_type, priority, source, status,
  lat, lng, notes, next_escalation_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11,$12)
`, r.ID, r.CustomerID, string(r.ServiceType), string(r.VehicleType), string(r.Priority), string(r.Source), string(r.Status),
		r.Location.Lat, r.Location.Lng, r.Location.Notes, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	return errors.Wrap(err, "insert request")
}

func (t *tx) LockRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return getRequest(ctx, t.q, id, true)
}

func (t *tx) CompareAndSetStatus(ctx context.Context, ch models.StatusChange) (bool, error) {
	tag, err := t.q.Exec(ctx, `
UPDATE service_requests
SET
  status = $3,
  provider_id = $4,
  previous_provider_id = COALESCE($5, previous_provider_id),
  cancel_reason = COALESCE($6, cancel_reason),
  cancelled_by = COALESCE($7, cancelled_by),
  updated_at = $8
WHERE id = $1 AND status = $2
`, ch.RequestID, string(ch.From), string(ch.To), ch.ProviderID, ch.PreviousProviderID, ch.CancelReason, ch.CancelledBy, ch.At.UTC())
	if err != nil {
		return false, errors.Wrap(err, "update request status")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) UpdateProviderLocation(ctx context.Context, id string, p models.GeoPoint, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
UPDATE service_requests
SET provider_lat = $2, provider_lng = $3, provider_location_at = $4
WHERE id = $1 AND (provider_location_at IS NULL OR provider_location_at < $4)
`, id, p.Lat, p.Lng, at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "update provider location")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) InsertAudit(ctx context.Context, a *models.AuditEntry) error {
	err := t.q.QueryRow(ctx, `
INSERT INTO status_audit (request_id, actor_id, actor_role, from_status, to_status, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, a.RequestID, a.ActorID, string(a.ActorRole), string(a.From), string(a.To), a.Reason, a.CreatedAt.UTC()).Scan(&a.ID)
	return errors.Wrap(err, "insert audit")
}

func (s *Storage) ListAudit(ctx context.Context, requestID string) ([]*models.AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, request_id, actor_id, actor_role, from_status, to_status, reason, created_at
FROM status_audit
WHERE request_id = $1
ORDER BY id
`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "select audit")
	}
	defer rows.Close()

	out := make([]*models.AuditEntry, 0)
	for rows.Next() {
		var a models.AuditEntry
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ActorID, &a.ActorRole, &a.From, &a.To, &a.Reason, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit")
		}
		out = append(out, &a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimDuePending выбирает PENDING_DISPATCH заявки, у которых подошло время проверки
// эскалации, и сдвигает next_escalation_at на lease, чтобы другой воркер их не взял.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDuePending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.PendingRequest, error) {
	pgTx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	rows, err := pgTx.Query(ctx, `
SELECT`+requestColumns+`, escalation_count
FROM service_requests
WHERE status = $1
  AND next_escalation_at <= $2
ORDER BY next_escalation_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, string(models.StatusPendingDispatch), now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due requests")
	}

	var picked []*models.PendingRequest
	for rows.Next() {
		var r models.ServiceRequest
		var pLat, pLng *float64
		var count int32
		if err := rows.Scan(
			&r.ID, &r.CustomerID, &r.ProviderID,
			&r.ServiceType, &r.VehicleType, &r.Priority, &r.Source, &r.Status,
			&r.Location.Lat, &r.Location.Lng, &r.Location.Notes,
			&pLat, &pLng, &r.ProviderLocationAt,
			&r.PreviousProviderID, &r.CancelReason, &r.CancelledBy,
			&r.CreatedAt, &r.UpdatedAt, &count,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due request")
		}
		picked = append(picked, &models.PendingRequest{Request: &r, EscalationCount: count})
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, p := range picked {
		if _, err := pgTx.Exec(ctx, `UPDATE service_requests SET next_escalation_at = $2 WHERE id = $1`, p.Request.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease request")
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) ScheduleEscalation(ctx context.Context, id string, count int32, next time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE service_requests
SET escalation_count = $2, next_escalation_at = $3
WHERE id = $1 AND status = $4
`, id, count, next.UTC(), string(models.StatusPendingDispatch))
	return errors.Wrap(err, "schedule escalation")
}
