// Package transport provides the realtime connection layer between document
// clients and workers. A connection is negotiated per client: a WebSocket
// when the path allows it, a long-polling fallback when an intermediary
// strips the upgrade. Both transports preserve per-connection message order
// and expose the same Socket surface, so the layers above never care which
// one carried the bytes.
package transport

import (
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a closed socket.
var ErrClosed = errors.New("transport: socket closed")

// Socket is one realtime connection. Send returns once the underlying
// transport has accepted the write. OnMessage and OnError may be set at any
// time; messages and errors arriving before a handler is registered are
// buffered and delivered in order on registration. After Close no further
// OnMessage callbacks fire.
type Socket interface {
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnError(fn func(err error))
	Close() error
}

// callbacks holds the handler state shared by all socket implementations.
// Dispatch is serialized by each transport's single reader; the mutex only
// guards handler registration against in-flight dispatch.
type callbacks struct {
	mu         sync.Mutex
	onMessage  func([]byte)
	onError    func(error)
	pending    [][]byte
	pendingErr error
	errFired   bool
	closed     bool
}

func (c *callbacks) setOnMessage(fn func([]byte)) {
	c.mu.Lock()
	buffered := c.pending
	c.pending = nil
	c.onMessage = fn
	c.mu.Unlock()

	for _, data := range buffered {
		fn(data)
	}
}

func (c *callbacks) setOnError(fn func(error)) {
	c.mu.Lock()
	err := c.pendingErr
	c.pendingErr = nil
	c.onError = fn
	c.mu.Unlock()

	if err != nil {
		fn(err)
	}
}

// dispatchMessage delivers one inbound message, buffering it when no handler
// is registered yet. Messages after close are dropped.
func (c *callbacks) dispatchMessage(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn := c.onMessage
	if fn == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	fn(data)
}

// dispatchError delivers a socket error at most once. Errors after close
// are dropped.
func (c *callbacks) dispatchError(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.forceError(err)
	}
}

// forceError delivers a transport failure even after markClosed, still at
// most once. Used by reader loops that mark the socket closed before
// surfacing the error that killed it.
func (c *callbacks) forceError(err error) {
	c.mu.Lock()
	if c.errFired {
		c.mu.Unlock()
		return
	}
	c.errFired = true
	fn := c.onError
	if fn == nil {
		c.pendingErr = err
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	fn(err)
}

// markClosed stops further dispatch. Returns false if already closed.
func (c *callbacks) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.pending = nil
	return true
}
