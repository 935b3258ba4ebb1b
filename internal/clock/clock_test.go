package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonotonic_NeverGoesBack(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	calls := []time.Time{base, base.Add(-time.Hour), base, base.Add(time.Second)}
	i := 0
	m := &Monotonic{now: func() time.Time {
		v := calls[i]
		i++
		return v
	}}

	prev := m.Now()
	for range calls[1:] {
		next := m.Now()
		require.True(t, next.After(prev), "%s must be after %s", next, prev)
		prev = next
	}
	require.Equal(t, base.Add(time.Second), prev)
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	s := NewSequenceAt(100)
	const n = 200

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := s.Next()
			mu.Lock()
			seen[v] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	require.Equal(t, uint64(100+n), s.Current())
}

func TestUUIDGenerator(t *testing.T) {
	g := UUIDGenerator{}
	a, b := g.NewID(), g.NewID()
	require.Len(t, a, 36)
	require.NotEqual(t, a, b)
}

func TestFixed_Advance(t *testing.T) {
	f := NewFixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f.Advance(time.Minute)
	require.Equal(t, time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC), f.Now())
}
