// Package kmutex provides per-key mutual exclusion.
//
// A KeyedMutex serializes operations that share a string key (typically a
// document id or an external resource name) while operations on distinct keys
// proceed concurrently. Waiters for a key are served in strict FIFO arrival
// order, and a key's bookkeeping is dropped as soon as the last holder or
// waiter for it is gone, so an idle mutex holds no per-key state.
package kmutex

import (
	"context"
	"sync"

	"github.com/hupe1980/docwire/internal/fifo"
)

// UnlockFunc releases a held key. It must be called exactly once; extra calls
// are no-ops.
type UnlockFunc func()

type waiter struct {
	ready chan struct{}
	// abandoned marks a waiter whose context was cancelled before it was
	// granted the key. Release skips abandoned waiters.
	abandoned bool
}

type entry struct {
	held    bool
	waiters fifo.Queue[*waiter]
}

// KeyedMutex is a collection of FIFO mutexes addressed by key.
// The zero value is not usable; call New.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Acquire blocks until the caller holds key, or ctx is done.
// On success the returned UnlockFunc must be called exactly once.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (UnlockFunc, error) {
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
		e = &entry{}
		m.entries[key] = e
	}
	if !e.held && e.waiters.Len() == 0 {
		e.held = true
		m.mu.Unlock()
		return m.unlockFunc(key), nil
	}

	w := &waiter{ready: make(chan struct{})}
	e.waiters.Push(w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return m.unlockFunc(key), nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w.ready:
			// Granted while cancelling; pass the key to the next waiter.
			m.mu.Unlock()
			m.release(key)
			return nil, ctx.Err()
		default:
		}
		w.abandoned = true
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// RunExclusive runs fn while holding key and releases it when fn returns,
// whether fn succeeds, fails, or panics.
func (m *KeyedMutex) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Size returns the number of keys that currently have a holder or at least
// one waiter.
func (m *KeyedMutex) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// NumWaiters returns the number of acquirers queued behind the current
// holder of key. It does not count the holder itself.
func (m *KeyedMutex) NumWaiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		return 0
	}
	return e.waiters.Len()
}

func (m *KeyedMutex) unlockFunc(key string) UnlockFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(key)
		})
	}
}

// release hands the key to the oldest non-abandoned waiter, or removes the
// key's entry when no waiter remains.
func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		return
	}
	for {
		w, ok := e.waiters.Pop()
		if !ok {
			delete(m.entries, key)
			return
		}
		if w.abandoned {
			continue
		}
		// The entry stays held; ownership transfers to w.
		close(w.ready)
		return
	}
}
