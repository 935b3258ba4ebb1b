package pgdispatch

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS service_requests (
  id TEXT PRIMARY KEY,
  customer_id BIGINT NOT NULL,
  provider_id BIGINT NULL,
  service_type TEXT NOT NULL,
  vehicle_type TEXT NOT NULL,
  priority TEXT NOT NULL,
  source TEXT NOT NULL,
  status TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  provider_lat DOUBLE PRECISION NULL,
  provider_lng DOUBLE PRECISION NULL,
  provider_location_at TIMESTAMPTZ NULL,
  previous_provider_id BIGINT NULL,
  cancel_reason TEXT NULL,
  cancelled_by BIGINT NULL,
  escalation_count INT NOT NULL DEFAULT 0,
  next_escalation_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT chk_provider_matches_status CHECK (
    (provider_id IS NOT NULL) = (status IN ('DISPATCHED','ARRIVED','SERVICE_IN_PROGRESS','FINAL_FARE_PENDING','COMPLETED'))
  )
)`,
		`CREATE INDEX IF NOT EXISTS idx_service_requests_status_created ON service_requests(status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_service_requests_customer ON service_requests(customer_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_service_requests_provider ON service_requests(provider_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_service_requests_escalation ON service_requests(next_escalation_at) WHERE status = 'PENDING_DISPATCH'`,
		`
CREATE TABLE IF NOT EXISTS quotes (
  id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
  version INT NOT NULL,
  base_price BIGINT NOT NULL CHECK (base_price >= 0),
  spare_parts JSONB NOT NULL DEFAULT '[]',
  platform_fee BIGINT NOT NULL DEFAULT 0 CHECK (platform_fee >= 0),
  tax_amount BIGINT NOT NULL DEFAULT 0 CHECK (tax_amount >= 0),
  is_final BOOLEAN NOT NULL DEFAULT FALSE,
  approved_at TIMESTAMPTZ NULL,
  superseded_by TEXT NULL,
  superseded_at TIMESTAMPTZ NULL,
  finalized_at TIMESTAMPTZ NULL,
  rejected_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (request_id, version)
)`,
		`ALTER TABLE quotes ADD COLUMN IF NOT EXISTS rejected_at TIMESTAMPTZ NULL`,
		// Не больше одного финального неподтверждённого quote на заявку.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_quotes_pending_approval ON quotes(request_id) WHERE is_final AND approved_at IS NULL`,
		`
CREATE TABLE IF NOT EXISTS chat_messages (
  id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
  sender_id BIGINT NOT NULL,
  sender_role TEXT NOT NULL,
  body TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_request_created ON chat_messages(request_id, created_at)`,
		`
CREATE TABLE IF NOT EXISTS status_audit (
  id BIGSERIAL PRIMARY KEY,
  request_id TEXT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
  actor_id BIGINT NOT NULL,
  actor_role TEXT NOT NULL,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_status_audit_request ON status_audit(request_id, id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
