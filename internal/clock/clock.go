package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall time for createdAt/updatedAt/emittedAt stamps.
type Clock interface {
	Now() time.Time
}

// Monotonic never returns a time earlier than a previous call, even if the system
// clock steps backwards (NTP adjustments). Safe for concurrent use.
type Monotonic struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{now: time.Now}
}

func (m *Monotonic) Now() time.Time {
	t := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	// Postgres хранит микросекунды, поэтому сравнение идёт по усечённому значению.
	t = t.Truncate(time.Microsecond)
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// Sequence is a linearizable, strictly increasing counter.
type Sequence struct {
	v atomic.Uint64
}

func NewSequenceAt(start uint64) *Sequence {
	s := &Sequence{}
	s.v.Store(start)
	return s
}

func (s *Sequence) Next() uint64 {
	return s.v.Add(1)
}

func (s *Sequence) Current() uint64 {
	return s.v.Load()
}

// IDGenerator supplies identifiers for requests, quotes and chat messages.
type IDGenerator interface {
	NewID() string
}

type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Fixed is a manually advanced clock for tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t.UTC()
	f.mu.Unlock()
}
