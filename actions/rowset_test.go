package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowSet(t *testing.T) {
	s := NewRowSet(3, 1)
	s.Add(2)
	s.Remove(3)

	assert.True(t, s.Contains(1))
	assert.False(t, s.Contains(3))
	assert.Equal(t, uint64(2), s.Cardinality())
	assert.Equal(t, []uint32{1, 2}, s.Slice())

	clone := s.Clone()
	clone.Add(9)
	assert.False(t, s.Contains(9))

	s.Union(clone)
	assert.Equal(t, []uint32{1, 2, 9}, s.Slice())

	var seen []uint32
	for id := range s.Iterator() {
		seen = append(seen, id)
	}
	assert.Equal(t, []uint32{1, 2, 9}, seen)

	assert.False(t, s.IsEmpty())
	assert.True(t, NewRowSet().IsEmpty())
}
