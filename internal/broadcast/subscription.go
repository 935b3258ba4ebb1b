package broadcast

import (
	"context"
	"sync"

	"github.com/BearBump/AidBox/internal/models"
)

// Subscription is a single reader of one request's events. Next is not safe for
// concurrent use by several goroutines.
type Subscription struct {
	RequestID string

	mu     sync.Mutex
	queue  []models.StatusEvent
	cap    int
	last   uint64 // highest sequence accepted into the queue
	gap    bool
	closed bool

	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func(*Subscription)
}

func newSubscription(requestID string, capacity int, onClose func(*Subscription)) *Subscription {
	return &Subscription{
		RequestID: requestID,
		cap:       capacity,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

// deliver never blocks: on overflow the oldest queued event is dropped and the
// subscriber is flagged so its next read reports the gap.
func (s *Subscription) deliver(ev models.StatusEvent) {
	s.mu.Lock()
	if s.closed || ev.Sequence <= s.last {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		s.gap = true
	}
	s.queue = append(s.queue, ev)
	s.last = ev.Sequence
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available. After ErrGapDetected the subscription stays
// usable: the remaining queued events are newer than the dropped ones.
func (s *Subscription) Next(ctx context.Context) (models.StatusEvent, error) {
	for {
		s.mu.Lock()
		if s.gap {
			s.gap = false
			s.mu.Unlock()
			return models.StatusEvent{}, ErrGapDetected
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.StatusEvent{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return models.StatusEvent{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Pending reports how many events are queued.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
