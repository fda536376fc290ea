package kmutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_ImmediateAcquire(t *testing.T) {
	m := New()

	unlock, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Size())

	unlock()
	assert.Equal(t, 0, m.Size())
}

func TestKeyedMutex_FIFOOrder(t *testing.T) {
	m := New()

	unlock, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := m.Acquire(context.Background(), "doc1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}()
		// Wait until the goroutine is queued so arrival order is fixed.
		require.Eventually(t, func() bool {
			return m.NumWaiters("doc1") == i
		}, time.Second, time.Millisecond)
	}

	unlock()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.Equal(t, 0, m.Size())
}

func TestKeyedMutex_NoOverlap(t *testing.T) {
	m := New()

	var (
		active  atomic.Int32
		overlap atomic.Bool
		count   int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.RunExclusive(context.Background(), "doc1", func(context.Context) error {
				if active.Add(1) > 1 {
					overlap.Store(true)
				}
				count++
				active.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "two holders overlapped")
	assert.Equal(t, 50, count)
	assert.Equal(t, 0, m.Size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := New()

	u1, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)

	// A different key is immediately available.
	done := make(chan struct{})
	go func() {
		defer close(done)
		u2, err := m.Acquire(context.Background(), "doc2")
		require.NoError(t, err)
		u2()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire on independent key blocked")
	}

	assert.Equal(t, 1, m.Size())
	u1()
}

func TestKeyedMutex_RunExclusiveReleasesOnError(t *testing.T) {
	m := New()

	boom := errors.New("boom")
	err := m.RunExclusive(context.Background(), "doc1", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Lock must be free again.
	unlock, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_RunExclusiveReleasesOnPanic(t *testing.T) {
	m := New()

	func() {
		defer func() {
			require.NotNil(t, recover())
		}()
		_ = m.RunExclusive(context.Background(), "doc1", func(context.Context) error {
			panic("boom")
		})
	}()

	unlock, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	unlock()
	assert.Equal(t, 0, m.Size())
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := New()

	unlock, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "doc1")
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return m.NumWaiters("doc1") == 1
	}, time.Second, time.Millisecond)

	// A second waiter queued behind the one we are about to cancel.
	got := make(chan struct{})
	go func() {
		u, err := m.Acquire(context.Background(), "doc1")
		require.NoError(t, err)
		close(got)
		u()
	}()
	require.Eventually(t, func() bool {
		return m.NumWaiters("doc1") == 2
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// Releasing skips the abandoned waiter and serves the live one.
	unlock()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("live waiter was not served")
	}
	require.Eventually(t, func() bool { return m.Size() == 0 }, time.Second, time.Millisecond)
}

func TestKeyedMutex_UnlockIdempotent(t *testing.T) {
	m := New()

	unlock, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	unlock()
	unlock() // extra call is a no-op

	u2, err := m.Acquire(context.Background(), "doc1")
	require.NoError(t, err)
	u2()
	assert.Equal(t, 0, m.Size())
}
