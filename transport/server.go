package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hupe1980/docwire/codec"
)

// Negotiation query parameters appended by the transport layer. Handlers
// inspecting the original request must tolerate these trailing extras.
const (
	queryTransport = "dw-transport"
	queryCmd       = "dw-cmd"
	querySID       = "dw-sid"
)

const (
	cmdOpen  = "open"
	cmdRecv  = "recv"
	cmdSend  = "send"
	cmdClose = "close"
)

// pollCodec encodes poll payloads. Byte slices travel base64-encoded inside
// JSON, which keeps the fallback debuggable with curl.
var pollCodec codec.Codec = codec.JSON{}

// pollOpen is the response to an open command.
type pollOpen struct {
	SID string `json:"sid"`
}

// pollBatch carries ordered messages in either direction. Closed tells the
// client the server side hung up.
type pollBatch struct {
	Messages [][]byte `json:"messages,omitempty"`
	Closed   bool     `json:"closed,omitempty"`
}

// Options configures a Server.
type Options struct {
	// Logger receives connection lifecycle events.
	Logger *slog.Logger
	// CheckOrigin overrides the websocket origin check. The default
	// accepts all origins; workers sit behind the home server, which has
	// already authenticated the request.
	CheckOrigin func(r *http.Request) bool
	// PollWait is how long a recv request blocks waiting for messages.
	PollWait time.Duration
	// SessionTimeout expires poll sessions with no recv activity.
	SessionTimeout time.Duration
	// InboundRate limits messages accepted per connection per second.
	// Zero means unlimited.
	InboundRate rate.Limit
	// InboundBurst is the burst size for InboundRate.
	InboundBurst int
}

// Server accepts realtime connections over HTTP. Each request either
// upgrades to a websocket or speaks the long-polling fallback protocol;
// both yield a Socket handed to the connection handler along with the
// original request for session and auth resolution.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	handler  func(Socket, *http.Request)

	mu       sync.Mutex
	sessions map[string]*pollSession
	closed   bool

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a transport server. The connection handler must be set
// with OnConnection before serving traffic.
func NewServer(optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger:         slog.Default(),
		PollWait:       25 * time.Second,
		SessionTimeout: time.Minute,
		InboundBurst:   1,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sessions:    make(map[string]*pollSession),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go s.janitor()
	return s
}

// OnConnection sets the handler invoked for every negotiated connection.
// The request is the one that established the connection; its query string
// includes the negotiation parameters.
func (s *Server) OnConnection(fn func(sock Socket, req *http.Request)) {
	s.handler = fn
}

func (s *Server) limiter() *rate.Limiter {
	if s.opts.InboundRate == 0 {
		return nil
	}
	return rate.NewLimiter(s.opts.InboundRate, s.opts.InboundBurst)
}

// ServeHTTP negotiates the transport for one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebsocket(w, r)
		return
	}
	if r.URL.Query().Get(queryTransport) == "poll" {
		s.servePoll(w, r)
		return
	}
	http.Error(w, "transport: expected websocket upgrade or poll command", http.StatusBadRequest)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.opts.Logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sock := newWSSocket(conn, s.opts.Logger, s.limiter(), true)
	if s.handler != nil {
		s.handler(sock, r)
	}
	sock.start()
}

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get(queryCmd) {
	case cmdOpen:
		s.handlePollOpen(w, r)
	case cmdRecv:
		s.handlePollRecv(w, r)
	case cmdSend:
		s.handlePollSend(w, r)
	case cmdClose:
		s.handlePollClose(w, r)
	default:
		http.Error(w, "transport: unknown poll command", http.StatusBadRequest)
	}
}

func (s *Server) handlePollOpen(w http.ResponseWriter, r *http.Request) {
	sess := newPollSession(uuid.NewString(), s.limiter())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "transport: server closed", http.StatusServiceUnavailable)
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(sess, r)
	}

	s.opts.Logger.Debug("poll session opened", slog.String("sid", sess.id))
	writeJSON(w, http.StatusOK, pollOpen{SID: sess.id})
}

func (s *Server) session(r *http.Request) *pollSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[r.URL.Query().Get(querySID)]
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) handlePollRecv(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if sess == nil {
		http.Error(w, "transport: unknown session", http.StatusNotFound)
		return
	}

	batch := sess.waitOutbound(r.Context(), s.opts.PollWait)
	if batch.Closed {
		s.dropSession(sess.id)
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handlePollSend(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if sess == nil {
		http.Error(w, "transport: unknown session", http.StatusNotFound)
		return
	}

	var batch pollBatch
	if err := decodeJSONBody(r, &batch); err != nil {
		http.Error(w, "transport: malformed batch", http.StatusBadRequest)
		return
	}
	if err := sess.receive(r.Context(), batch.Messages); err != nil {
		if errors.Is(err, ErrClosed) {
			http.Error(w, "transport: session closed", http.StatusGone)
			return
		}
		http.Error(w, "transport: receive failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePollClose(w http.ResponseWriter, r *http.Request) {
	if sess := s.session(r); sess != nil {
		_ = sess.Close()
		s.dropSession(sess.id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// janitor expires poll sessions whose client stopped polling.
func (s *Server) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.opts.SessionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.opts.SessionTimeout)
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.idleSince(cutoff) {
					delete(s.sessions, id)
					go sess.expire()
					s.opts.Logger.Debug("poll session expired", slog.String("sid", id))
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close shuts down all poll sessions and stops accepting new ones. Open
// websockets are owned by their handlers and close with the HTTP server.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*pollSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*pollSession)
	s.mu.Unlock()

	close(s.stopJanitor)
	<-s.janitorDone
	for _, sess := range sessions {
		_ = sess.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := pollCodec.Marshal(v)
	if err != nil {
		http.Error(w, "transport: encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
