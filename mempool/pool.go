// Package mempool provides a bounded resource pool with queued, asynchronous
// reservations.
//
// A Pool admission-controls memory-heavy operations (imports, exports, large
// bundle applies) against a fixed byte budget. Callers reserve capacity up
// front and the pool queues them when the budget is exhausted. Waiters are
// served in strict FIFO arrival order: the pool always evaluates the head of
// the wait queue first and only advances past it once its amount is granted,
// so a small late request can never starve an earlier large one.
//
// The pool never fails a reservation for being too large; a request bigger
// than the total budget simply waits until its context is cancelled. Callers
// that want fail-fast behavior apply their own context timeout.
package mempool

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/docwire/internal/fifo"
)

// ErrReservationDisposed is returned when a disposed reservation is updated.
var ErrReservationDisposed = fmt.Errorf("mempool: reservation already disposed")

type waiter struct {
	amount int64
	ready  chan struct{}
	res    *Reservation
	// abandoned marks a waiter whose context was cancelled before it was
	// granted capacity. serveLocked skips abandoned waiters.
	abandoned bool
}

// Pool is a fixed-size resource budget with FIFO admission.
type Pool struct {
	mu         sync.Mutex
	total      int64
	reserved   int64
	waiters    fifo.Queue[*waiter]
	numWaiting int
}

// New creates a pool with the given total capacity in units (typically bytes).
func New(total int64) *Pool {
	return &Pool{total: total}
}

// WaitAndReserve blocks until amount units are available and reserves them.
// The returned reservation must be disposed exactly once.
func (p *Pool) WaitAndReserve(ctx context.Context, amount int64) (*Reservation, error) {
	p.mu.Lock()
	if p.waiters.Len() == 0 && amount <= p.total-p.reserved {
		p.reserved += amount
		res := &Reservation{pool: p, amount: amount}
		p.mu.Unlock()
		return res, nil
	}

	w := &waiter{amount: amount, ready: make(chan struct{})}
	p.waiters.Push(w)
	p.numWaiting++
	p.mu.Unlock()

	select {
	case <-w.ready:
		return w.res, nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-w.ready:
			// Granted while cancelling; hand the capacity straight back.
			p.mu.Unlock()
			w.res.Dispose()
			return nil, ctx.Err()
		default:
		}
		w.abandoned = true
		p.numWaiting--
		// An abandoned head must not block the queue.
		p.serveLocked()
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// WithReserved reserves amount units, runs fn, and disposes the reservation
// when fn returns, whether fn succeeds, fails, or panics.
func (p *Pool) WithReserved(ctx context.Context, amount int64, fn func(ctx context.Context) error) error {
	res, err := p.WaitAndReserve(ctx, amount)
	if err != nil {
		return err
	}
	defer res.Dispose()
	return fn(ctx)
}

// TotalSize returns the pool's capacity.
func (p *Pool) TotalSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// ReservedSize returns the currently reserved capacity.
func (p *Pool) ReservedSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// AvailableSize returns the currently unreserved capacity.
func (p *Pool) AvailableSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - p.reserved
}

// NumWaiting returns the number of queued reservations.
func (p *Pool) NumWaiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numWaiting
}

// serveLocked grants capacity to queued waiters in arrival order, stopping at
// the first waiter that does not fit. Callers must hold p.mu.
func (p *Pool) serveLocked() {
	for {
		w, ok := p.waiters.Peek()
		if !ok {
			return
		}
		if w.abandoned {
			p.waiters.Pop()
			continue
		}
		if w.amount > p.total-p.reserved {
			// Strict head-of-line: later, smaller requests must wait too.
			return
		}
		p.waiters.Pop()
		p.reserved += w.amount
		p.numWaiting--
		w.res = &Reservation{pool: p, amount: w.amount}
		close(w.ready)
	}
}

// Reservation is a slice of a pool's capacity held by one logical operation.
type Reservation struct {
	pool     *Pool
	amount   int64
	disposed bool
}

// Amount returns the reservation's current footprint.
func (r *Reservation) Amount() int64 {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.amount
}

// Dispose releases the reservation's full current amount and wakes queued
// waiters. Extra calls are no-ops.
func (r *Reservation) Dispose() {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	r.disposeLocked()
}

func (r *Reservation) disposeLocked() {
	if r.disposed {
		return
	}
	r.disposed = true
	r.pool.reserved -= r.amount
	r.pool.serveLocked()
}

// Update changes the reservation's footprint to amount.
//
// Shrinking takes effect immediately and the freed capacity is offered to
// queued waiters. Growing gates like a fresh reservation for the delta: the
// call blocks until the extra capacity is granted in FIFO order, or ctx is
// done (in which case the reservation is left unchanged).
func (r *Reservation) Update(ctx context.Context, amount int64) error {
	r.pool.mu.Lock()
	if r.disposed {
		r.pool.mu.Unlock()
		return ErrReservationDisposed
	}
	delta := amount - r.amount
	if delta <= 0 {
		r.amount = amount
		r.pool.reserved += delta
		r.pool.serveLocked()
		r.pool.mu.Unlock()
		return nil
	}
	r.pool.mu.Unlock()

	grow, err := r.pool.WaitAndReserve(ctx, delta)
	if err != nil {
		return err
	}

	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	if r.disposed {
		// Disposed while the growth was queued; give the delta back.
		grow.disposeLocked()
		return ErrReservationDisposed
	}
	// Absorb the delta reservation; its capacity stays reserved under r.
	grow.disposed = true
	r.amount += delta
	return nil
}
