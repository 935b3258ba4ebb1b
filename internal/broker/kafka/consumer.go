package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r messageReader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{
		r: kafka.NewReader(cfg),
	}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

type poisonError struct{ err error }

func (p *poisonError) Error() string { return "poison message: " + p.err.Error() }
func (p *poisonError) Unwrap() error { return p.err }

// Poison marks a handler error as permanent: the message is logged, committed and
// skipped instead of stopping the consumer.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return &poisonError{err: err}
}

func IsPoison(err error) bool {
	var p *poisonError
	return errors.As(err, &p)
}

func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			var poison *poisonError
			if !errors.As(err, &poison) {
				// Важно: commit делаем только при успехе, иначе потеряем сообщение.
				return err
			}
			slog.Warn("kafka: skipping poison message", "topic", msg.Topic, "offset", msg.Offset, "err", poison.err)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}


