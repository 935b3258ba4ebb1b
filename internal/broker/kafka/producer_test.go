package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/AidBox/internal/broker/messages"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	last []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	require.NoError(t, p.Publish(context.Background(), "t", []byte("k"), []byte("v")))
	require.Len(t, fw.last, 1)
	require.Equal(t, "t", fw.last[0].Topic)
	require.Equal(t, []byte("k"), fw.last[0].Key)
	require.Equal(t, []byte("v"), fw.last[0].Value)
	require.NoError(t, p.Close())
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	require.NotNil(t, p)
	require.NoError(t, p.Close())
}

func TestEventPublisher_KeyedByRequest(t *testing.T) {
	fw := &fakeWriter{}
	ep := NewEventPublisher(newProducerWithWriter(fw), "request.events")

	ev := models.NewEvent("r-1", models.EventStatusChanged,
		models.StatusChangedPayload{From: models.StatusPendingDispatch, To: models.StatusDispatched}, time.Now().UTC())
	ev.Sequence = 7
	require.NoError(t, ep.PublishEvent(context.Background(), ev))

	require.Len(t, fw.last, 1)
	require.Equal(t, "request.events", fw.last[0].Topic)
	require.Equal(t, []byte("r-1"), fw.last[0].Key)

	var got messages.RequestEvent
	require.NoError(t, json.Unmarshal(fw.last[0].Value, &got))
	require.Equal(t, uint64(7), got.Sequence)
	require.Equal(t, "STATUS_CHANGED", got.Kind)
}

func TestEscalationPublisher(t *testing.T) {
	fw := &fakeWriter{}
	ep := NewEscalationPublisher(newProducerWithWriter(fw), "request.escalations")

	require.NoError(t, ep.PublishEscalation(context.Background(), messages.RequestEscalated{RequestID: "r-2", Level: 1}))
	require.Equal(t, []byte("r-2"), fw.last[0].Key)
	require.Contains(t, string(fw.last[0].Value), `"level":1`)
}
