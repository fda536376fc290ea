package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry_Sets(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	ok, err := r.IsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.AddMember(ctx, "s", "a"))
	require.NoError(t, r.AddMember(ctx, "s", "b"))

	ok, err = r.IsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Removing a missing member is not an error.
	require.NoError(t, r.RemoveMember(ctx, "s", "missing"))
	require.NoError(t, r.RemoveMember(ctx, "s", "a"))

	ok, err = r.IsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRegistry_KV(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Set(ctx, "k", "v1"))
	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	ok, err := r.SetIfAbsent(ctx, "k", "v2")
	require.NoError(t, err)
	assert.False(t, ok)
	v, _ = r.Get(ctx, "k")
	assert.Equal(t, "v1", v)

	require.NoError(t, r.Delete(ctx, "k"))
	ok, err = r.SetIfAbsent(ctx, "k", "v2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRegistry_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.SetIfAbsent(ctx, "doc-claim", "me")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one concurrent claim must win")
}
