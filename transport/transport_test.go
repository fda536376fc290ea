package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// echoServer wires a Server whose handler echoes every inbound message and
// records the request that established each connection.
type echoServer struct {
	*Server

	mu       sync.Mutex
	requests []*http.Request
}

func newEchoServer(optFns ...func(o *Options)) *echoServer {
	es := &echoServer{Server: NewServer(optFns...)}
	es.OnConnection(func(sock Socket, req *http.Request) {
		es.mu.Lock()
		es.requests = append(es.requests, req)
		es.mu.Unlock()

		sock.OnMessage(func(data []byte) {
			_ = sock.Send(append([]byte("echo:"), data...))
		})
	})
	return es
}

func (es *echoServer) lastRequest() *http.Request {
	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.requests) == 0 {
		return nil
	}
	return es.requests[len(es.requests)-1]
}

// collect registers an OnMessage handler that feeds a channel.
func collect(sock Socket) <-chan string {
	ch := make(chan string, 128)
	sock.OnMessage(func(data []byte) {
		ch <- string(data)
	})
	return ch
}

func recvN(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func testRoundTrip(t *testing.T, dial func(ctx context.Context, rawURL string) (Socket, error), es *echoServer, rawURL string) {
	t.Helper()
	ctx := context.Background()

	sock, err := dial(ctx, rawURL+"?docId=doc-7")
	require.NoError(t, err)
	defer sock.Close()

	ch := collect(sock)
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, sock.Send([]byte(fmt.Sprintf("m%03d", i))))
	}

	got := recvN(t, ch, n)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("echo:m%03d", i), msg)
	}

	// The establishing request stays inspectable, original query intact.
	req := es.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "doc-7", req.URL.Query().Get("docId"))
}

func TestWebsocketRoundTrip(t *testing.T) {
	es := newEchoServer()
	defer es.Close()
	srv := httptest.NewServer(es)
	defer srv.Close()

	testRoundTrip(t, func(ctx context.Context, rawURL string) (Socket, error) {
		return Dial(ctx, rawURL, nil)
	}, es, srv.URL)
}

// strippingProxy forwards requests over plain HTTP and drops the websocket
// negotiation headers, the way an unsympathetic intermediary does.
func strippingProxy(t *testing.T, backend string) *httptest.Server {
	t.Helper()
	target, err := url.Parse(backend)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := *target
		u.Path = r.URL.Path
		u.RawQuery = r.URL.RawQuery

		req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
		require.NoError(t, err)
		for k, vs := range r.Header {
			switch http.CanonicalHeaderKey(k) {
			case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Protocol", "Sec-Websocket-Extensions":
				continue
			}
			req.Header[k] = vs
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			w.Header()[k] = vs
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
}

func TestPollingFallbackThroughProxy(t *testing.T) {
	es := newEchoServer()
	defer es.Close()
	backend := httptest.NewServer(es)
	defer backend.Close()
	proxy := strippingProxy(t, backend.URL)
	defer proxy.Close()

	testRoundTrip(t, func(ctx context.Context, rawURL string) (Socket, error) {
		return Dial(ctx, rawURL, nil)
	}, es, proxy.URL)

	// The fallback session arrived via the poll protocol.
	req := es.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "poll", req.URL.Query().Get(queryTransport))
}

func TestDial_HeadersTravelOnBothTransports(t *testing.T) {
	es := newEchoServer()
	defer es.Close()
	backend := httptest.NewServer(es)
	defer backend.Close()
	proxy := strippingProxy(t, backend.URL)
	defer proxy.Close()

	header := http.Header{"Cookie": []string{"session=abc123"}}

	for _, target := range []string{backend.URL, proxy.URL} {
		sock, err := Dial(context.Background(), target, header)
		require.NoError(t, err)
		req := es.lastRequest()
		require.NotNil(t, req)
		cookie, err := req.Cookie("session")
		require.NoError(t, err)
		assert.Equal(t, "abc123", cookie.Value)
		sock.Close()
	}
}

func TestDial_FailureNeverYieldsSocket(t *testing.T) {
	// Nothing listens here; both the upgrade and the fallback must fail.
	sock, err := Dial(context.Background(), "http://127.0.0.1:1", nil)
	require.Error(t, err)
	assert.Nil(t, sock)
}

func TestDial_DisableFallback(t *testing.T) {
	es := newEchoServer()
	defer es.Close()
	backend := httptest.NewServer(es)
	defer backend.Close()
	proxy := strippingProxy(t, backend.URL)
	defer proxy.Close()

	_, err := Dial(context.Background(), proxy.URL, nil, func(o *DialOptions) {
		o.DisableFallback = true
	})
	require.Error(t, err)
}

func TestServerClose_EndsPollSessions(t *testing.T) {
	es := newEchoServer()
	backend := httptest.NewServer(es)
	defer backend.Close()
	proxy := strippingProxy(t, backend.URL)
	defer proxy.Close()

	sock, err := Dial(context.Background(), proxy.URL, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	sock.OnError(func(err error) { errCh <- err })

	require.NoError(t, es.Close())

	// The client notices the close on its next poll; no error fires for a
	// clean shutdown, but sends start failing.
	assert.Eventually(t, func() bool {
		return sock.Send([]byte("x")) != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSocketClose_StopsDelivery(t *testing.T) {
	var serverSock Socket
	ready := make(chan struct{})
	s := NewServer()
	defer s.Close()
	s.OnConnection(func(sock Socket, req *http.Request) {
		serverSock = sock
		close(ready)
	})
	srv := httptest.NewServer(s)
	defer srv.Close()

	sock, err := Dial(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	<-ready

	var mu sync.Mutex
	var got []string
	sock.OnMessage(func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	require.NoError(t, serverSock.Send([]byte("before")))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sock.Close())
	assert.ErrorIs(t, sock.Send([]byte("x")), ErrClosed)
	// Late sends from the server never reach the closed client handler.
	_ = serverSock.Send([]byte("after"))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"before"}, got)
}

func TestPollSession_BuffersUntilHandlerRegistered(t *testing.T) {
	sess := newPollSession("sid-1", nil)
	require.NoError(t, sess.receive(context.Background(), [][]byte{[]byte("a"), []byte("b")}))

	var got []string
	sess.OnMessage(func(data []byte) { got = append(got, string(data)) })
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestServer_RejectsPlainRequests(t *testing.T) {
	es := newEchoServer()
	defer es.Close()
	srv := httptest.NewServer(es)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "transport"))
}

func TestPollSession_LimiterErrorFailsBatch(t *testing.T) {
	sess := newPollSession("sid-1", rate.NewLimiter(rate.Every(time.Hour), 1))

	var got []string
	sess.OnMessage(func(data []byte) { got = append(got, string(data)) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sess.receive(ctx, [][]byte{[]byte("a"), []byte("b")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got, "no partial delivery from a failed batch")
}

func TestServer_InboundRateLimitPreservesOrder(t *testing.T) {
	es := newEchoServer(func(o *Options) {
		o.InboundRate = rate.Every(20 * time.Millisecond)
		o.InboundBurst = 1
	})
	defer es.Close()
	srv := httptest.NewServer(es)
	defer srv.Close()

	sock, err := Dial(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer sock.Close()
	ch := collect(sock)

	start := time.Now()
	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, sock.Send([]byte(fmt.Sprintf("m%d", i))))
	}

	echoes := recvN(t, ch, n)
	for i, msg := range echoes {
		assert.Equal(t, fmt.Sprintf("echo:m%d", i), msg)
	}
	// Four of the five messages must each wait for the 20ms refill.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
