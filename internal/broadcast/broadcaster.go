// Package broadcast fans out per-request status events to live subscribers.
//
// Every request has a bounded in-memory log. A subscriber may resume from a sequence
// number it has already seen; when the log no longer covers that point (trimmed,
// evicted or the process restarted), Subscribe returns ErrGapDetected and the client is
// expected to Resync and continue from the returned head.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/AidBox/internal/clock"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrGapDetected        = errors.New("event gap detected, resync required")
	ErrSequenceRegression = errors.New("sequence regression")
	ErrClosed             = errors.New("subscription closed")
)

const (
	defaultLogSize          = 256
	defaultSubscriberBuffer = 64
	defaultRetention        = 10 * time.Minute
)

type Config struct {
	// LogSize caps buffered events per request.
	LogSize int
	// SubscriberBuffer caps queued events per subscriber; overflow drops the oldest.
	SubscriberBuffer int
	// Retention is how long an idle log without subscribers is kept.
	Retention time.Duration
}

// Sink receives every delivered event. Enqueue must not block.
type Sink interface {
	Enqueue(ev models.StatusEvent) bool
}

// SnapshotSource is the authoritative store used by Resync.
type SnapshotSource interface {
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
}

type ResyncResult struct {
	Request *models.ServiceRequest `json:"request"`
	Head    uint64                 `json:"head"`
}

type Broadcaster struct {
	cfg  Config
	seq  *clock.Sequence
	clk  clock.Clock
	sink Sink
	src  SnapshotSource

	mu   sync.Mutex
	logs map[string]*requestLog
}

type requestLog struct {
	mu     sync.Mutex
	events []models.StatusEvent
	// floor is the highest sequence no longer replayable; since < floor is a gap.
	floor   uint64
	last    uint64
	subs    map[*Subscription]struct{}
	touched time.Time
}

func New(cfg Config, seq *clock.Sequence, clk clock.Clock, src SnapshotSource, sink Sink) *Broadcaster {
	if cfg.LogSize <= 0 {
		cfg.LogSize = defaultLogSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if seq == nil {
		seq = clock.NewSequenceAt(0)
	}
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	return &Broadcaster{
		cfg:  cfg,
		seq:  seq,
		clk:  clk,
		sink: sink,
		src:  src,
		logs: make(map[string]*requestLog),
	}
}

// lockLog returns the request log locked. A log created here starts at the current
// global sequence, unless the first event is the request's creation.
func (b *Broadcaster) lockLog(requestID string, creation bool) *requestLog {
	b.mu.Lock()
	l, ok := b.logs[requestID]
	if !ok {
		l = &requestLog{subs: make(map[*Subscription]struct{})}
		if !creation {
			l.floor = b.seq.Current()
		}
		b.logs[requestID] = l
	}
	l.mu.Lock()
	b.mu.Unlock()
	l.touched = b.clk.Now()
	return l
}

// Publish assigns the next sequence number (unless ev already carries one), appends the
// event to the request log and hands it to subscribers and the sink without blocking.
func (b *Broadcaster) Publish(ev models.StatusEvent) (models.StatusEvent, error) {
	if ev.RequestID == "" {
		return ev, errors.New("publish: empty request id")
	}
	l := b.lockLog(ev.RequestID, ev.IsCreation())
	defer l.mu.Unlock()

	if ev.Sequence == 0 {
		ev.Sequence = b.seq.Next()
	}
	if ev.Sequence <= l.last || ev.Sequence <= l.floor {
		slog.Error("broadcast: sequence regression", "request_id", ev.RequestID, "seq", ev.Sequence, "last", l.last)
		return ev, errors.Wrapf(ErrSequenceRegression, "request %s: %d after %d", ev.RequestID, ev.Sequence, l.last)
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = b.clk.Now()
	}

	l.events = append(l.events, ev)
	if over := len(l.events) - b.cfg.LogSize; over > 0 {
		l.floor = l.events[over-1].Sequence
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	l.last = ev.Sequence

	for s := range l.subs {
		s.deliver(ev)
	}
	if b.sink != nil && !b.sink.Enqueue(ev) {
		slog.Warn("broadcast: sink full, event dropped", "request_id", ev.RequestID, "seq", ev.Sequence)
	}
	return ev, nil
}

// Subscribe starts a subscription. With since == nil only live events are delivered;
// otherwise buffered events after *since are replayed first.
func (b *Broadcaster) Subscribe(requestID string, since *uint64) (*Subscription, error) {
	l := b.lockLog(requestID, false)
	defer l.mu.Unlock()

	var replay []models.StatusEvent
	if since != nil {
		if *since < l.floor {
			return nil, errors.Wrapf(ErrGapDetected, "request %s: since %d, oldest available %d", requestID, *since, l.floor+1)
		}
		for _, ev := range l.events {
			if ev.Sequence > *since {
				replay = append(replay, ev)
			}
		}
	}

	s := newSubscription(requestID, b.cfg.SubscriberBuffer+len(replay), func(s *Subscription) {
		l.mu.Lock()
		delete(l.subs, s)
		l.touched = b.clk.Now()
		l.mu.Unlock()
	})
	if since != nil {
		s.last = *since
	}
	for _, ev := range replay {
		s.deliver(ev)
	}
	l.subs[s] = struct{}{}
	return s, nil
}

// Head is the last sequence a subscriber can resume from without a gap.
func (b *Broadcaster) Head(requestID string) uint64 {
	l := b.lockLog(requestID, false)
	defer l.mu.Unlock()
	if l.last > l.floor {
		return l.last
	}
	return l.floor
}

// Events returns buffered events after since, for long-polling clients.
func (b *Broadcaster) Events(requestID string, since uint64) ([]models.StatusEvent, error) {
	l := b.lockLog(requestID, false)
	defer l.mu.Unlock()
	if since < l.floor {
		return nil, errors.Wrapf(ErrGapDetected, "request %s: since %d, oldest available %d", requestID, since, l.floor+1)
	}
	out := make([]models.StatusEvent, 0)
	for _, ev := range l.events {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Resync returns the authoritative snapshot together with the head to resume from.
// Head is read first, so the snapshot reflects at least every event up to it.
func (b *Broadcaster) Resync(ctx context.Context, requestID string) (*ResyncResult, error) {
	if b.src == nil {
		return nil, errors.New("resync: no snapshot source")
	}
	head := b.Head(requestID)
	r, err := b.src.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &ResyncResult{Request: r, Head: head}, nil
}

// Sweep drops logs that have no subscribers and were idle longer than retention.
func (b *Broadcaster) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, l := range b.logs {
		l.mu.Lock()
		idle := len(l.subs) == 0 && now.Sub(l.touched) > b.cfg.Retention
		l.mu.Unlock()
		if idle {
			delete(b.logs, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps idle logs until ctx is done.
func (b *Broadcaster) RunJanitor(ctx context.Context) {
	interval := b.cfg.Retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := b.Sweep(b.clk.Now()); n > 0 {
				slog.Debug("broadcast: swept idle logs", "count", n)
			}
		}
	}
}

// Logs is the number of request logs currently held.
func (b *Broadcaster) Logs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs)
}
