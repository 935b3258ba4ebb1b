package pgdispatch

import (
	"context"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
	"github.com/pkg/errors"
)

func (t *tx) InsertChatMessage(ctx context.Context, m *models.ChatMessage) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO chat_messages (id, request_id, sender_id, sender_role, body, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, m.ID, m.RequestID, m.SenderID, string(m.SenderRole), m.Body, m.CreatedAt.UTC())
	return errors.Wrap(err, "insert chat message")
}

func (s *Storage) ListChatMessages(ctx context.Context, requestID string, limit, offset int) ([]*models.ChatMessage, error) {
	limit, offset = storage.NormalizePage(limit, offset)

	rows, err := s.db.Query(ctx, `
SELECT id, request_id, sender_id, sender_role, body, created_at
FROM chat_messages
WHERE request_id = $1
ORDER BY created_at, id
LIMIT $2 OFFSET $3
`, requestID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select chat messages")
	}
	defer rows.Close()

	out := make([]*models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RequestID, &m.SenderID, &m.SenderRole, &m.Body, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan chat message")
		}
		out = append(out, &m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
