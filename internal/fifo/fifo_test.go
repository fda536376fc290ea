package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Order(t *testing.T) {
	var q Queue[int]
	assert.Equal(t, 0, q.Len())

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 0, head)

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok = q.Pop()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestQueue_Interleaved(t *testing.T) {
	var q Queue[string]
	q.Push("a")
	q.Push("b")

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	q.Push("c")

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", v)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CompactionKeepsOrder(t *testing.T) {
	var q Queue[int]
	for i := 0; i < 1000; i++ {
		q.Push(i)
	}
	for i := 0; i < 900; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	for i := 1000; i < 1100; i++ {
		q.Push(i)
	}
	for i := 900; i < 1100; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}
