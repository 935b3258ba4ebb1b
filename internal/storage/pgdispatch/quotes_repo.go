package pgdispatch

import (
	"context"
	"encoding/json"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const quoteColumns = `
  id, request_id, version,
  base_price, spare_parts, platform_fee, tax_amount,
  is_final, approved_at, superseded_by, superseded_at, finalized_at, rejected_at, created_at`

func scanQuote(row pgx.Row) (*models.Quote, error) {
	var q models.Quote
	var parts []byte
	if err := row.Scan(
		&q.ID, &q.RequestID, &q.Version,
		&q.BasePrice, &parts, &q.PlatformFee, &q.TaxAmount,
		&q.IsFinal, &q.ApprovedAt, &q.SupersededBy, &q.SupersededAt, &q.FinalizedAt, &q.RejectedAt, &q.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &q.SpareParts); err != nil {
			return nil, errors.Wrap(err, "decode spare parts")
		}
	}
	return &q, nil
}

func encodeParts(parts []models.SparePart) ([]byte, error) {
	if parts == nil {
		parts = []models.SparePart{}
	}
	b, err := json.Marshal(parts)
	return b, errors.Wrap(err, "encode spare parts")
}

func getQuote(ctx context.Context, q dbtx, id string, forUpdate bool) (*models.Quote, error) {
	sql := `SELECT` + quoteColumns + ` FROM quotes WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	quote, err := scanQuote(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "select quote")
	}
	return quote, nil
}

func (s *Storage) GetQuote(ctx context.Context, id string) (*models.Quote, error) {
	return getQuote(ctx, s.db, id, false)
}

func (s *Storage) ListQuotes(ctx context.Context, requestID string) ([]*models.Quote, error) {
	rows, err := s.db.Query(ctx, `SELECT`+quoteColumns+` FROM quotes WHERE request_id = $1 ORDER BY version`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "select quotes")
	}
	defer rows.Close()

	out := make([]*models.Quote, 0)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan quote")
		}
		out = append(out, q)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (t *tx) InsertQuote(ctx context.Context, q *models.Quote) error {
	parts, err := encodeParts(q.SpareParts)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
INSERT INTO quotes (
  id, request_id, version, base_price, spare_parts, platform_fee, tax_amount,
  is_final, approved_at, superseded_by, superseded_at, finalized_at, rejected_at, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, q.ID, q.RequestID, q.Version, int64(q.BasePrice), parts, int64(q.PlatformFee), int64(q.TaxAmount),
		q.IsFinal, q.ApprovedAt, q.SupersededBy, q.SupersededAt, q.FinalizedAt, q.RejectedAt, q.CreatedAt.UTC())
	return errors.Wrap(err, "insert quote")
}

func (t *tx) LockQuote(ctx context.Context, id string) (*models.Quote, error) {
	return getQuote(ctx, t.q, id, true)
}

func (t *tx) UpdateQuote(ctx context.Context, q *models.Quote) error {
	parts, err := encodeParts(q.SpareParts)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
UPDATE quotes
SET
  base_price = $2,
  spare_parts = $3,
  platform_fee = $4,
  tax_amount = $5,
  is_final = $6,
  approved_at = $7,
  superseded_by = $8,
  superseded_at = $9,
  finalized_at = $10,
  rejected_at = $11
WHERE id = $1
`, q.ID, int64(q.BasePrice), parts, int64(q.PlatformFee), int64(q.TaxAmount),
		q.IsFinal, q.ApprovedAt, q.SupersededBy, q.SupersededAt, q.FinalizedAt, q.RejectedAt)
	if err != nil {
		return errors.Wrap(err, "update quote")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(notFound(pgx.ErrNoRows), "update quote")
	}
	return nil
}

func (t *tx) CurrentQuote(ctx context.Context, requestID string) (*models.Quote, error) {
	q, err := scanQuote(t.q.QueryRow(ctx, `
SELECT`+quoteColumns+`
FROM quotes
WHERE request_id = $1 AND superseded_by IS NULL
ORDER BY version DESC
LIMIT 1
`, requestID))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "select current quote")
	}
	return q, nil
}
