package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passResult struct {
	res Result
	err error
}

// fakeWork is a controllable DoWorkFunc: each pass signals started and blocks
// until a result is fed through release.
type fakeWork struct {
	calls   atomic.Int32
	started chan struct{}
	release chan passResult
}

func newFakeWork() *fakeWork {
	return &fakeWork{
		started: make(chan struct{}, 16),
		release: make(chan passResult),
	}
}

func (f *fakeWork) doWork(context.Context) (Result, error) {
	f.calls.Add(1)
	f.started <- struct{}{}
	r := <-f.release
	return r.res, r.err
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.Busy() }, time.Second, time.Millisecond)
}

func TestCoordinator_SinglePingSingleCall(t *testing.T) {
	w := newFakeWork()
	c := New(w.doWork)

	c.Ping()
	<-w.started
	w.release <- passResult{res: DidWork}
	waitIdle(t, c)

	assert.Equal(t, int32(1), w.calls.Load())
}

func TestCoordinator_PingDuringDidWorkTriggersOneMorePass(t *testing.T) {
	w := newFakeWork()
	c := New(w.doWork)

	c.Ping()
	<-w.started

	// Several pings while running collapse into one pending request.
	c.Ping()
	c.Ping()
	c.Ping()

	w.release <- passResult{res: DidWork}

	// Exactly one follow-up pass.
	<-w.started
	w.release <- passResult{res: NoOp}
	waitIdle(t, c)

	assert.Equal(t, int32(2), w.calls.Load())
}

func TestCoordinator_PingDuringNoOpIsDropped(t *testing.T) {
	w := newFakeWork()
	c := New(w.doWork)

	c.Ping()
	<-w.started
	c.Ping()
	w.release <- passResult{res: NoOp}
	waitIdle(t, c)

	// The queued ping was suppressed by the idle result.
	assert.Equal(t, int32(1), w.calls.Load())

	// A fresh ping still works.
	c.Ping()
	<-w.started
	w.release <- passResult{res: NoOp}
	waitIdle(t, c)
	assert.Equal(t, int32(2), w.calls.Load())
}

func TestCoordinator_ErrorIsLoggedAndNotRetried(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := newFakeWork()
	c := New(w.doWork, func(o *Options) {
		o.Name = "doc17-flush"
		o.Logger = logger
	})

	c.Ping()
	<-w.started
	c.Ping() // pending ping must be dropped on failure too
	w.release <- passResult{err: errors.New("disk full")}
	waitIdle(t, c)

	assert.Equal(t, int32(1), w.calls.Load())
	assert.Contains(t, buf.String(), "work pass failed")
	assert.Contains(t, buf.String(), "doc17-flush")
	assert.Contains(t, buf.String(), "disk full")

	// Recovery requires an explicit new ping.
	c.Ping()
	<-w.started
	w.release <- passResult{res: DidWork}
	waitIdle(t, c)
	assert.Equal(t, int32(2), w.calls.Load())
}

func TestCoordinator_PanicIsContained(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var calls atomic.Int32
	c := New(func(context.Context) (Result, error) {
		calls.Add(1)
		panic("boom")
	}, func(o *Options) {
		o.Logger = logger
	})

	c.Ping()
	require.Eventually(t, func() bool { return !c.Busy() && calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Contains(t, buf.String(), "work pass panicked")
}

func TestCoordinator_CloseWaitsForInFlightPass(t *testing.T) {
	w := newFakeWork()
	c := New(w.doWork)

	c.Ping()
	<-w.started

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	w.release <- passResult{res: DidWork}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the pass finished")
	}

	// Pings after Close are ignored.
	c.Ping()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), w.calls.Load())
}
