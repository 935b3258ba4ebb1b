package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	got     []uint64
	fail    bool
}

func (p *blockingPublisher) PublishEvent(ctx context.Context, ev models.StatusEvent) error {
	if p.release != nil {
		<-p.release
	}
	if p.fail {
		return errors.New("kafka down")
	}
	p.mu.Lock()
	p.got = append(p.got, ev.Sequence)
	p.mu.Unlock()
	return nil
}

func TestAsyncSink_NeverBlocksPublisher(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	sink := NewAsyncSink(pub, 2, time.Second)
	b := New(Config{}, nil, nil, nil, sink)

	start := time.Now()
	for i := 0; i < 20; i++ {
		_, err := b.Publish(models.NewEvent("r1", models.EventLocationUpdate, models.LocationPayload{}, time.Time{}))
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)

	close(pub.release)
	sink.Close()

	st := sink.Stats()
	require.Equal(t, uint64(20), st.Sent+st.Dropped)
	require.NotZero(t, st.Dropped)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i := 1; i < len(pub.got); i++ {
		require.Greater(t, pub.got[i], pub.got[i-1])
	}
}

func TestAsyncSink_FailuresCountedAndClosedRejects(t *testing.T) {
	pub := &blockingPublisher{fail: true}
	sink := NewAsyncSink(pub, 10, time.Second)
	require.True(t, sink.Enqueue(models.StatusEvent{RequestID: "r1", Sequence: 1}))
	sink.Close()
	require.Equal(t, uint64(1), sink.Stats().Failed)
	require.False(t, sink.Enqueue(models.StatusEvent{RequestID: "r1", Sequence: 2}))
}
