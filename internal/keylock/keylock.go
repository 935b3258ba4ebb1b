// Package keylock provides mutual exclusion keyed by string (one lock per request id).
// Entries are reference counted and dropped when nobody holds or waits on them, so the
// map only grows with the number of requests being mutated concurrently.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // capacity 1: token present == unlocked
	refs int
}

type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

func New() *Map {
	return &Map{m: make(map[string]*entry)}
}

func (l *Map) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		l.m[key] = e
	}
	e.refs++
	return e
}

func (l *Map) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, key)
	}
}

// Lock blocks until the key is held or ctx is done. The returned func releases it.
func (l *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)
	select {
	case <-e.ch:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.ch <- struct{}{}
			l.release(key, e)
		})
	}, nil
}

// Len is the number of keys currently held or awaited.
func (l *Map) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
