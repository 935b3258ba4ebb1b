package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/AidBox/internal/models"
)

// EventPublisher is the external push transport (Kafka in production).
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.StatusEvent) error
}

// AsyncSink decouples the broadcaster from the external transport. Events are queued
// in a bounded channel and sent by one goroutine, so per-request order is kept.
type AsyncSink struct {
	pub     EventPublisher
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan models.StatusEvent
	wg     sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAsyncSink(pub EventPublisher, buffer int, timeout time.Duration) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &AsyncSink{pub: pub, timeout: timeout, ch: make(chan models.StatusEvent, buffer)}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *AsyncSink) Enqueue(ev models.StatusEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *AsyncSink) loop() {
	defer s.wg.Done()
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.pub.PublishEvent(ctx, ev)
		cancel()
		if err != nil {
			s.failed.Add(1)
			slog.Warn("sink: publish failed", "request_id", ev.RequestID, "seq", ev.Sequence, "err", err)
			continue
		}
		s.sent.Add(1)
	}
}

// Close stops accepting events and waits until the queue is drained.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

type SinkStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{Sent: s.sent.Load(), Dropped: s.dropped.Load(), Failed: s.failed.Load()}
}
