package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// writeWait bounds a single write, including control frames.
	writeWait = 10 * time.Second
	// pingPeriod is how often the server pings an idle peer.
	pingPeriod = 30 * time.Second
	// pongDelay is how long a peer may stay silent before the connection
	// is considered dead. Receipt of any pong extends the deadline.
	pongDelay = 90 * time.Second
)

// wsSocket wraps a websocket connection on either end of the wire. Writes
// are serialized by a mutex inside Send; a single reader goroutine preserves
// inbound order.
type wsSocket struct {
	callbacks
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger
	limiter *rate.Limiter
	// ping loop runs server-side only; gorilla replies to pings from the
	// client side automatically.
	ping bool
	stop chan struct{}
}

var _ Socket = (*wsSocket)(nil)

func newWSSocket(conn *websocket.Conn, logger *slog.Logger, limiter *rate.Limiter, ping bool) *wsSocket {
	return &wsSocket{
		conn:    conn,
		logger:  logger,
		limiter: limiter,
		ping:    ping,
		stop:    make(chan struct{}),
	}
}

// start launches the reader (and, server-side, the ping loop). Called after
// the connection handler has had a chance to register callbacks.
func (s *wsSocket) start() {
	if s.ping {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongDelay))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongDelay))
		})
		go s.pingLoop()
	}
	go s.readLoop()
}

func (s *wsSocket) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected when the other end goes away; the read loop
				// surfaces the close.
				s.logger.Debug("failed to write ping", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *wsSocket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.markClosed() {
				close(s.stop)
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.forceError(err)
				}
				_ = s.conn.Close()
			}
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(context.Background()); err != nil {
				return
			}
		}
		s.dispatchMessage(data)
	}
}

// Send writes one message and returns once the transport accepted it.
func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	// gorilla allows one concurrent writer; serialize here.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// OnMessage registers the inbound message handler.
func (s *wsSocket) OnMessage(fn func(data []byte)) { s.setOnMessage(fn) }

// OnError registers the error handler.
func (s *wsSocket) OnError(fn func(err error)) { s.setOnError(fn) }

// Close closes the connection. Safe to call more than once.
func (s *wsSocket) Close() error {
	if !s.markClosed() {
		return nil
	}
	close(s.stop)
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}
