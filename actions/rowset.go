package actions

import (
	"iter"

	"github.com/RoaringBitmap/roaring/v2"
)

// RowSet is a set of row ids backed by a roaring bitmap.
type RowSet struct {
	rb *roaring.Bitmap
}

// NewRowSet creates a row set containing the given ids.
func NewRowSet(rowIDs ...uint32) *RowSet {
	return &RowSet{rb: roaring.BitmapOf(rowIDs...)}
}

// Add adds a row id to the set.
func (s *RowSet) Add(rowID uint32) {
	s.rb.Add(rowID)
}

// Remove removes a row id from the set.
func (s *RowSet) Remove(rowID uint32) {
	s.rb.Remove(rowID)
}

// Contains checks if a row id is in the set.
func (s *RowSet) Contains(rowID uint32) bool {
	return s.rb.Contains(rowID)
}

// IsEmpty returns true if the set is empty.
func (s *RowSet) IsEmpty() bool {
	return s.rb.IsEmpty()
}

// Cardinality returns the number of row ids in the set.
func (s *RowSet) Cardinality() uint64 {
	return s.rb.GetCardinality()
}

// Clone returns a deep copy of the set.
func (s *RowSet) Clone() *RowSet {
	return &RowSet{rb: s.rb.Clone()}
}

// Slice returns the row ids in ascending order.
func (s *RowSet) Slice() []uint32 {
	return s.rb.ToArray()
}

// Iterator returns an iterator over the set in ascending order.
func (s *RowSet) Iterator() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		it := s.rb.Iterator()
		for it.HasNext() {
			if !yield(it.Next()) {
				return
			}
		}
	}
}

// Union adds every id of other to the set.
func (s *RowSet) Union(other *RowSet) {
	s.rb.Or(other.rb)
}

// String implements fmt.Stringer.
func (s *RowSet) String() string {
	return s.rb.String()
}
