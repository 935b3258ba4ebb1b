package kafka

import (
	"context"
	"encoding/json"

	"github.com/BearBump/AidBox/internal/broker/messages"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// EventPublisher pushes broadcaster events to the request events topic.
type EventPublisher struct {
	p     publisher
	topic string
}

func NewEventPublisher(p publisher, topic string) *EventPublisher {
	return &EventPublisher{p: p, topic: topic}
}

func (e *EventPublisher) PublishEvent(ctx context.Context, ev models.StatusEvent) error {
	b, err := json.Marshal(messages.FromStatusEvent(ev))
	if err != nil {
		return errors.Wrap(err, "marshal request event")
	}
	return e.p.Publish(ctx, e.topic, []byte(ev.RequestID), b)
}

// EscalationPublisher emits alerts about requests left in PENDING_DISPATCH.
type EscalationPublisher struct {
	p     publisher
	topic string
}

func NewEscalationPublisher(p publisher, topic string) *EscalationPublisher {
	return &EscalationPublisher{p: p, topic: topic}
}

func (e *EscalationPublisher) PublishEscalation(ctx context.Context, msg messages.RequestEscalated) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal escalation")
	}
	return e.p.Publish(ctx, e.topic, []byte(msg.RequestID), b)
}
