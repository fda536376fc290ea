// Package coordinator provides a ping-triggered, non-overlapping work loop.
//
// A Coordinator wraps an asynchronous "do work" function so that bursts of
// change notifications collapse into a minimal number of actual work passes.
// Ping requests a pass; pings arriving while a pass is in flight collapse
// into a single pending flag, and whether that flag triggers a follow-up pass
// depends on what the completed pass reported:
//
//   - DidWork: a follow-up pass starts immediately, so a change signalled
//     mid-pass is never lost.
//   - NoOp: the pending flag is dropped. A pass that found nothing to do must
//     not cause a retry spin.
//   - error: the error is logged and the coordinator goes idle. Failed passes
//     are never retried automatically; a fresh Ping is required.
//
// The result is explicit rather than inferred from a dynamically-typed return
// value, so there is no ambiguity about what counts as "did something".
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Result reports what a work pass accomplished.
type Result int

const (
	// NoOp means the pass found nothing to do.
	NoOp Result = iota
	// DidWork means the pass did useful work and a ping that arrived while
	// it ran warrants another pass.
	DidWork
)

// DoWorkFunc performs one work pass.
type DoWorkFunc func(ctx context.Context) (Result, error)

// Options configures a Coordinator.
type Options struct {
	// Name tags log entries emitted by the coordinator.
	Name string
	// Logger receives errors from failed work passes.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator invokes a DoWorkFunc with ping-triggered, non-overlapping,
// at-least-one-follow-up semantics.
type Coordinator struct {
	doWork DoWorkFunc
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	running bool
	pending bool
	closed  bool
}

// New creates a Coordinator around doWork.
func New(doWork DoWorkFunc, optFns ...func(*Options)) *Coordinator {
	opts := Options{
		Logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Coordinator{
		doWork: doWork,
		name:   opts.Name,
		logger: opts.Logger,
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Ping requests a work pass. It is fire-and-forget: it never blocks on the
// work function and never reports its outcome. Pings arriving while a pass is
// running collapse into a single pending request. Pings after Close are
// ignored.
func (c *Coordinator) Ping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.running {
		c.pending = true
		return
	}
	c.running = true
	go c.run()
}

// Busy reports whether a work pass is currently in flight.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close stops accepting pings and waits for an in-flight pass (including any
// follow-up pass it triggers) to finish. It is idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for c.running {
		c.idle.Wait()
	}
}

func (c *Coordinator) run() {
	for {
		res, err := c.callDoWork()

		c.mu.Lock()
		switch {
		case err != nil:
			c.logger.Error("work pass failed",
				"coordinator", c.name,
				"error", err,
			)
			c.pending = false
		case res == DidWork && c.pending && !c.closed:
			c.pending = false
			c.mu.Unlock()
			continue
		default:
			c.pending = false
		}
		c.running = false
		c.idle.Broadcast()
		c.mu.Unlock()
		return
	}
}

// callDoWork shields the loop from panicking work functions; a panic is
// reported like a failed pass.
func (c *Coordinator) callDoWork() (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = NoOp
			err = fmt.Errorf("work pass panicked: %v", r)
		}
	}()
	return c.doWork(context.Background())
}
