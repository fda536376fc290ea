// Package fifo provides a minimal slice-backed FIFO queue.
//
// The coordination primitives (keyed mutex, memory pool) queue waiter records
// explicitly rather than relying on incidental goroutine wake-up order, so the
// ordering invariant is auditable in one place.
package fifo

// Queue is a slice-backed FIFO queue.
// The zero value is ready to use. Not safe for concurrent use.
type Queue[T any] struct {
	items []T
	head  int
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// Push appends v to the tail of the queue.
func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// Peek returns the head element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the head element.
func (q *Queue[T]) Pop() (T, bool) {
	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}
	v := q.items[q.head]
	var zero T
	q.items[q.head] = zero // release reference
	q.head++

	// Compact once the dead prefix dominates to keep memory bounded.
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}
