package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/storage"
)

const defaultChatMaxBytes = 4096

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// ChatRelay appends messages to a request's chat and pushes them through the same
// ordered channel as status events. Delivery is at-least-once; clients dedupe on the
// message id.
type ChatRelay struct {
	e        *Engine
	limiter  RateLimiter
	maxBytes int
}

// NewChatRelay: limiter may be nil to disable per-sender throttling.
func NewChatRelay(e *Engine, limiter RateLimiter, maxBytes int) *ChatRelay {
	if maxBytes <= 0 {
		maxBytes = defaultChatMaxBytes
	}
	return &ChatRelay{e: e, limiter: limiter, maxBytes: maxBytes}
}

func canChat(r *models.ServiceRequest, a models.Actor) bool {
	switch a.Role {
	case models.RoleAdmin:
		return true
	case models.RoleCustomer:
		return r.CustomerID == a.ID
	case models.RoleProvider:
		return r.IsAssignedTo(a.ID) || (r.PreviousProviderID != nil && *r.PreviousProviderID == a.ID)
	default:
		return false
	}
}

func (c *ChatRelay) Send(ctx context.Context, requestID string, sender models.Actor, body string) (models.StatusEvent, error) {
	if strings.TrimSpace(body) == "" {
		return models.StatusEvent{}, models.Invalid("body", "required")
	}
	if len(body) > c.maxBytes {
		return models.StatusEvent{}, models.Invalid("body", fmt.Sprintf("longer than %d bytes", c.maxBytes))
	}
	if !utf8.ValidString(body) {
		return models.StatusEvent{}, models.Invalid("body", "not valid utf-8")
	}

	if c.limiter != nil {
		key := fmt.Sprintf("rl:chat:%s:%d", sender.Role, sender.ID)
		ok, n, err := c.limiter.Allow(ctx, key)
		switch {
		case err != nil:
			// лимитер недоступен, чат не блокируем
			slog.Warn("chat rate limiter failed", "key", key, "err", err)
		case !ok:
			slog.Info("chat rate limited", "request_id", requestID, "sender_id", sender.ID, "count", n)
			return models.StatusEvent{}, &models.RateLimitedError{Key: key}
		}
	}

	var ev models.StatusEvent
	events, err := c.e.mutate(ctx, requestID, func(tx storage.Tx) (outcome, error) {
		r, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return outcome{}, err
		}
		if !canChat(r, sender) {
			return outcome{}, &models.NotAuthorizedError{RequestID: requestID, Actor: sender, Action: "chat on"}
		}

		msg := &models.ChatMessage{
			ID:         c.e.ids.NewID(),
			RequestID:  requestID,
			SenderID:   sender.ID,
			SenderRole: sender.Role,
			Body:       body,
			CreatedAt:  c.e.clk.Now(),
		}
		if err := tx.InsertChatMessage(ctx, msg); err != nil {
			return outcome{}, err
		}
		ev = models.NewEvent(requestID, models.EventChatMessage, models.ChatPayload{
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			SenderRole: msg.SenderRole,
			Body:       msg.Body,
		}, msg.CreatedAt)
		return outcome{events: []models.StatusEvent{ev}}, nil
	})
	if err != nil {
		return models.StatusEvent{}, err
	}
	if len(events) == 0 {
		// сообщение сохранено, но broadcaster его отверг; клиенты увидят его в истории
		return ev, nil
	}
	return events[0], nil
}

// History pages through stored messages oldest first, for polling clients.
func (c *ChatRelay) History(ctx context.Context, requestID string, limit, offset int) ([]*models.ChatMessage, error) {
	if _, err := c.e.repo.GetRequest(ctx, requestID); err != nil {
		return nil, notFound(err, "request", requestID)
	}
	return c.e.repo.ListChatMessages(ctx, requestID, limit, offset)
}
