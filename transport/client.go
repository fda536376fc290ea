package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DialOptions configures Dial.
type DialOptions struct {
	// Logger receives fallback and lifecycle events.
	Logger *slog.Logger
	// HTTPClient is used for the polling fallback.
	HTTPClient *http.Client
	// HandshakeTimeout bounds the websocket upgrade attempt.
	HandshakeTimeout time.Duration
	// DisableFallback fails the dial instead of polling when the upgrade
	// is rejected.
	DisableFallback bool
}

// Dial connects to a transport server. It attempts a websocket upgrade
// first; if an intermediary rejects or strips the upgrade, it transparently
// falls back to long polling against the same URL. The header travels with
// every request on both transports, so cookie-based sessions work on
// either. A failed dial returns an error and never a usable socket.
func Dial(ctx context.Context, rawURL string, header http.Header, optFns ...func(o *DialOptions)) (Socket, error) {
	opts := DialOptions{
		Logger:           slog.Default(),
		HTTPClient:       http.DefaultClient,
		HandshakeTimeout: 45 * time.Second,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}

	sock, wsErr := dialWebsocket(ctx, u, header, &opts)
	if wsErr == nil {
		return sock, nil
	}
	if opts.DisableFallback {
		return nil, wsErr
	}

	opts.Logger.Debug("websocket dial failed, falling back to polling",
		slog.String("url", u.Redacted()), slog.String("error", wsErr.Error()))

	sock, pollErr := dialPoll(ctx, u, header, &opts)
	if pollErr != nil {
		return nil, fmt.Errorf("transport: websocket dial failed (%v); poll fallback failed: %w", wsErr, pollErr)
	}
	return sock, nil
}

func dialWebsocket(ctx context.Context, u *url.URL, header http.Header, opts *DialOptions) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, toScheme(u, true).String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	sock := newWSSocket(conn, opts.Logger, nil, false)
	sock.start()
	return sock, nil
}

func toScheme(u *url.URL, ws bool) *url.URL {
	c := *u
	switch {
	case ws && (c.Scheme == "http" || c.Scheme == "ws"):
		c.Scheme = "ws"
	case ws:
		c.Scheme = "wss"
	case c.Scheme == "ws" || c.Scheme == "http":
		c.Scheme = "http"
	default:
		c.Scheme = "https"
	}
	return &c
}

// pollClient is the client half of a long-polling connection. A single recv
// loop preserves inbound order; Send serializes outbound posts.
type pollClient struct {
	callbacks
	httpc  *http.Client
	logger *slog.Logger
	base   *url.URL
	header http.Header
	sid    string

	sendMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Socket = (*pollClient)(nil)

func dialPoll(ctx context.Context, u *url.URL, header http.Header, opts *DialOptions) (*pollClient, error) {
	base := toScheme(u, false)

	c := &pollClient{
		httpc:  opts.HTTPClient,
		logger: opts.Logger,
		base:   base,
		header: header,
		done:   make(chan struct{}),
	}

	body, status, err := c.roundTrip(ctx, cmdOpen, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("transport: poll open rejected with status %d", status)
	}

	var open pollOpen
	if err := pollCodec.Unmarshal(body, &open); err != nil {
		return nil, fmt.Errorf("transport: decode poll open: %w", err)
	}
	c.sid = open.SID

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.recvLoop(loopCtx)
	return c, nil
}

func (c *pollClient) commandURL(cmd string) string {
	u := *c.base
	q := u.Query()
	q.Set(queryTransport, "poll")
	q.Set(queryCmd, cmd)
	if c.sid != "" {
		q.Set(querySID, c.sid)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *pollClient) roundTrip(ctx context.Context, cmd string, payload []byte) ([]byte, int, error) {
	method := http.MethodGet
	var body io.Reader
	if payload != nil {
		method = http.MethodPost
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.commandURL(cmd), body)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func (c *pollClient) recvLoop(ctx context.Context) {
	defer close(c.done)
	defer c.cancel()
	for {
		body, status, err := c.roundTrip(ctx, cmdRecv, nil)
		if err != nil {
			if ctx.Err() == nil && c.markClosed() {
				c.forceError(err)
			}
			return
		}
		if status != http.StatusOK {
			if c.markClosed() {
				c.forceError(fmt.Errorf("transport: poll recv rejected with status %d", status))
			}
			return
		}

		var batch pollBatch
		if err := pollCodec.Unmarshal(body, &batch); err != nil {
			if c.markClosed() {
				c.forceError(err)
			}
			return
		}
		for _, data := range batch.Messages {
			c.dispatchMessage(data)
		}
		if batch.Closed {
			c.markClosed()
			return
		}
	}
}

// Send posts one message and returns once the server accepted it.
func (c *pollClient) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	payload, err := pollCodec.Marshal(pollBatch{Messages: [][]byte{data}})
	if err != nil {
		return err
	}

	// Serialize so concurrent senders keep wire order.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, status, err := c.roundTrip(context.Background(), cmdSend, payload)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("transport: poll send rejected with status %d", status)
	}
	return nil
}

// OnMessage registers the inbound message handler.
func (c *pollClient) OnMessage(fn func(data []byte)) { c.setOnMessage(fn) }

// OnError registers the error handler.
func (c *pollClient) OnError(fn func(err error)) { c.setOnError(fn) }

// Close ends the session on both sides.
func (c *pollClient) Close() error {
	if !c.markClosed() {
		return nil
	}

	// Best effort; the server janitor reaps the session if this is lost.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.roundTrip(ctx, cmdClose, []byte("{}"))

	c.cancel()
	<-c.done
	return nil
}
