// Package keymutex provides an in-process mutual exclusion primitive keyed by
// an arbitrary string.
//
// It serializes check-then-act sections per key inside one process. It gives
// no guarantee across processes or hosts.
package keymutex

import (
	"context"
	"sync"
)

type waiter struct {
	ch      chan struct{}
	granted bool
}

type entry struct {
	held    bool
	waiters []*waiter
}

// Mutex is a set of FIFO locks indexed by key.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty keyed mutex.
func New() *Mutex {
	return &Mutex{
		entries: make(map[string]*entry),
	}
}

// Acquire blocks until the caller owns key or ctx is done.
// It returns immediately when key is free.
func (m *Mutex) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		if w.granted {
			// Ownership arrived together with cancellation; pass it on.
			m.mu.Unlock()
			m.Release(key)
			return ctx.Err()
		}
		m.removeWaiter(key, w)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Release clears ownership of key and hands it to the oldest waiter, if any.
// The waiter resumes on its own goroutine, never inside Release.
// Releasing a key that is not held is a no-op.
func (m *Mutex) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.held {
		return
	}

	if len(e.waiters) == 0 {
		delete(m.entries, key)
		return
	}

	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	next.granted = true
	close(next.ch)
}

// Held reports whether key currently has an owner.
func (m *Mutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.held
}

// Waiting returns the number of callers queued behind the owner of key.
func (m *Mutex) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return len(e.waiters)
	}
	return 0
}

// removeWaiter must be called with m.mu held.
func (m *Mutex) removeWaiter(key string, w *waiter) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}
