package docwire

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/docwire/actions"
	"github.com/hupe1980/docwire/codec"
	"github.com/hupe1980/docwire/coordinator"
	"github.com/hupe1980/docwire/kmutex"
	"github.com/hupe1980/docwire/mempool"
	"github.com/hupe1980/docwire/registry"
	"github.com/hupe1980/docwire/throttle"
	"github.com/hupe1980/docwire/transport"
)

// Message types exchanged with clients.
const (
	// MessageBundle carries a mutation bundle from a client.
	MessageBundle = "bundle"
	// MessageUpdate fans an applied bundle out to the document's other
	// connections.
	MessageUpdate = "update"
	// MessageRedirect tells a client its document is served elsewhere.
	MessageRedirect = "redirect"
	// MessageError reports a per-connection failure.
	MessageError = "error"
)

// Envelope is the wire format for client messages on both transports.
type Envelope struct {
	Type    string         `json:"type"`
	DocID   string         `json:"docId,omitempty"`
	Bundle  actions.Bundle `json:"bundle,omitempty"`
	Worker  string         `json:"worker,omitempty"`
	Message string         `json:"message,omitempty"`
}

// defaultBundleCost is the assumed footprint per action when applying a
// bundle against the memory limit.
const defaultBundleCost = 4096

// conn is one tracked client connection.
type conn struct {
	sock transport.Socket
}

// DocWorker is one worker process in a multi-tenant document cluster. It
// claims documents in the shared registry, serves their realtime
// connections, applies mutation bundles under a per-document lock, and
// drives the save loop through a ping-coalescing coordinator.
type DocWorker struct {
	info    registry.WorkerInfo
	workers *registry.DocWorkerMap
	locks   *kmutex.KeyedMutex
	mem     *mempool.Pool
	server  *transport.Server
	saver   *coordinator.Coordinator

	opts options

	mu        sync.Mutex
	conns     map[string]map[*conn]struct{}
	throttles map[int]*throttle.Throttle
	closed    bool
}

// New creates a DocWorker backed by the given registry. save is invoked by
// the coordinator whenever applied bundles leave dirty state behind; it
// must report whether it found anything to persist.
func New(info registry.WorkerInfo, reg registry.Registry, save coordinator.DoWorkFunc, optFns ...Option) (*DocWorker, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("docwire: worker id must not be empty")
	}
	if save == nil {
		return nil, fmt.Errorf("docwire: save function must not be nil")
	}

	opts := options{
		logger:           NewLogger(nil),
		metricsCollector: NoopMetricsCollector{},
		codec:            codec.Default,
		bundleCost:       defaultBundleCost,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	d := &DocWorker{
		info:    info,
		workers: registry.NewDocWorkerMap(reg),
		locks:   kmutex.New(),
		opts:    opts,
		conns:   make(map[string]map[*conn]struct{}),
		saver: coordinator.New(save, func(o *coordinator.Options) {
			o.Name = "save"
			o.Logger = opts.logger.Logger
		}),
		throttles: make(map[int]*throttle.Throttle),
	}
	if opts.memoryLimit > 0 {
		d.mem = mempool.New(opts.memoryLimit)
	}

	d.server = transport.NewServer(append([]func(*transport.Options){
		func(o *transport.Options) { o.Logger = opts.logger.Logger },
	}, opts.transportOptions...)...)
	d.server.OnConnection(d.handleConnection)

	return d, nil
}

// Start registers the worker in the shared registry.
func (d *DocWorker) Start(ctx context.Context) error {
	if err := d.workers.RegisterWorker(ctx, d.info); err != nil {
		return fmt.Errorf("docwire: register worker: %w", err)
	}
	d.opts.logger.InfoContext(ctx, "worker registered",
		slog.String("worker", d.info.ID),
		slog.String("group", d.info.Group),
	)
	return nil
}

// Handler returns the HTTP handler accepting realtime connections.
func (d *DocWorker) Handler() http.Handler {
	return d.server
}

func (d *DocWorker) send(sock transport.Socket, env Envelope) {
	data, err := d.opts.codec.Marshal(env)
	if err != nil {
		d.opts.logger.Error("encode envelope", slog.String("error", err.Error()))
		return
	}
	if err := sock.Send(data); err != nil {
		d.opts.logger.Debug("send failed", slog.String("error", err.Error()))
	}
}

func (d *DocWorker) sendError(sock transport.Socket, docID string, err error) {
	d.send(sock, Envelope{Type: MessageError, DocID: docID, Message: err.Error()})
}

func (d *DocWorker) handleConnection(sock transport.Socket, req *http.Request) {
	ctx := req.Context()

	docID := req.URL.Query().Get("docId")
	if docID == "" {
		d.sendError(sock, "", ErrMissingDocID)
		_ = sock.Close()
		return
	}

	assigned, err := d.workers.AssignDoc(ctx, docID, d.info.ID)
	if err != nil {
		d.opts.logger.WithDoc(docID).Error("assign doc", slog.String("error", err.Error()))
		d.sendError(sock, docID, err)
		_ = sock.Close()
		return
	}
	if assigned != d.info.ID {
		redirect := &ErrDocAssignedElsewhere{DocID: docID, WorkerID: assigned}
		target := assigned
		if info, err := d.workers.GetWorker(ctx, assigned); err == nil {
			target = info.PublicURL
		}
		d.opts.logger.WithDoc(docID).Debug("redirecting", slog.String("worker", assigned))
		d.send(sock, Envelope{Type: MessageRedirect, DocID: docID, Worker: target, Message: redirect.Error()})
		_ = sock.Close()
		return
	}

	c := &conn{sock: sock}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = sock.Close()
		return
	}
	set, ok := d.conns[docID]
	if !ok {
		set = make(map[*conn]struct{})
		d.conns[docID] = set
	}
	set[c] = struct{}{}
	d.mu.Unlock()

	d.opts.metricsCollector.RecordConnection()
	d.opts.logger.LogConnection(ctx, docID)

	sock.OnError(func(err error) {
		d.dropConn(docID, c)
	})
	sock.OnMessage(func(data []byte) {
		var env Envelope
		if err := d.opts.codec.Unmarshal(data, &env); err != nil {
			d.sendError(sock, docID, fmt.Errorf("malformed envelope: %w", err))
			return
		}
		if env.Type != MessageBundle {
			return
		}
		if err := d.applyBundle(context.Background(), docID, env.Bundle, c); err != nil {
			d.sendError(sock, docID, err)
		}
	})
}

func (d *DocWorker) dropConn(docID string, c *conn) {
	d.mu.Lock()
	set := d.conns[docID]
	if _, ok := set[c]; !ok {
		d.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(d.conns, docID)
	}
	d.mu.Unlock()

	d.opts.metricsCollector.RecordDisconnect()
}

// ApplyBundle applies one mutation bundle to a document: it runs under the
// document's exclusive lock, reserves estimated memory when a limit is
// configured, reports touched pre-existing rows to the access rechecker,
// fans the bundle out to the document's connections, and pings the save
// coordinator.
func (d *DocWorker) ApplyBundle(ctx context.Context, docID string, bundle actions.Bundle) error {
	return d.applyBundle(ctx, docID, bundle, nil)
}

func (d *DocWorker) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *DocWorker) applyBundle(ctx context.Context, docID string, bundle actions.Bundle, origin *conn) error {
	if d.isClosed() {
		return ErrClosed
	}

	start := time.Now()

	err := d.locks.RunExclusive(ctx, docID, func(ctx context.Context) error {
		apply := func(ctx context.Context) error {
			related := actions.RelatedRows(bundle)
			d.opts.metricsCollector.RecordRecheck(len(related))
			if d.opts.recheck != nil {
				d.opts.recheck(docID, related)
			}

			d.broadcast(docID, bundle, origin)
			d.saver.Ping()
			return nil
		}

		if d.mem != nil {
			return d.mem.WithReserved(ctx, d.opts.bundleCost*int64(len(bundle)), apply)
		}
		return apply(ctx)
	})

	d.opts.metricsCollector.RecordBundle(time.Since(start), err)
	d.opts.logger.LogBundle(ctx, docID, len(bundle), time.Since(start), err)
	return err
}

// broadcast fans an applied bundle out to the document's other connections.
// Connections whose transport rejects the write are dropped.
func (d *DocWorker) broadcast(docID string, bundle actions.Bundle, origin *conn) {
	data, err := d.opts.codec.Marshal(Envelope{Type: MessageUpdate, DocID: docID, Bundle: bundle})
	if err != nil {
		d.opts.logger.WithDoc(docID).Error("encode update", slog.String("error", err.Error()))
		return
	}

	d.mu.Lock()
	targets := make([]*conn, 0, len(d.conns[docID]))
	for c := range d.conns[docID] {
		if c != origin {
			targets = append(targets, c)
		}
	}
	d.mu.Unlock()

	for _, c := range targets {
		if err := c.sock.Send(data); err != nil {
			d.dropConn(docID, c)
		}
	}
}

// Export encodes v with the configured codec and writes it to the artifact
// store under exports/<docID>/<name>. It returns the stored artifact name.
func (d *DocWorker) Export(ctx context.Context, docID, name string, v any) (string, error) {
	start := time.Now()
	full, err := d.export(ctx, docID, name, v)
	d.opts.metricsCollector.RecordExport(time.Since(start), err)
	return full, err
}

func (d *DocWorker) export(ctx context.Context, docID, name string, v any) (string, error) {
	if d.isClosed() {
		return "", &ErrExportFailed{DocID: docID, Name: name, cause: ErrClosed}
	}
	if d.opts.artifacts == nil {
		return "", &ErrExportFailed{DocID: docID, Name: name, cause: fmt.Errorf("no artifact store configured")}
	}

	data, err := d.opts.codec.Marshal(v)
	if err != nil {
		return "", &ErrExportFailed{DocID: docID, Name: name, cause: err}
	}

	full := path.Join("exports", docID, name)
	put := func(ctx context.Context) error {
		return d.opts.artifacts.Put(ctx, full, bytes.NewReader(data))
	}
	if d.mem != nil {
		err = d.mem.WithReserved(ctx, int64(len(data)), put)
	} else {
		err = put(ctx)
	}
	if err != nil {
		return "", &ErrExportFailed{DocID: docID, Name: name, cause: err}
	}
	return full, nil
}

// ThrottleSandbox throttles the CPU usage of a document's sandbox process.
// The throttle runs until the process exits or the worker closes.
func (d *DocWorker) ThrottleSandbox(pid int, docID string, optFns ...func(*throttle.Options)) *throttle.Throttle {
	th := throttle.New(pid, append([]func(*throttle.Options){
		func(o *throttle.Options) {
			o.DocName = docID
			o.Logger = d.opts.logger.Logger
		},
	}, optFns...)...)

	d.mu.Lock()
	if old, ok := d.throttles[pid]; ok {
		old.Stop()
	}
	d.throttles[pid] = th
	d.mu.Unlock()
	return th
}

// ReleaseDoc removes this worker's claim on a document so another worker
// can pick it up. Open connections for the document are closed.
func (d *DocWorker) ReleaseDoc(ctx context.Context, docID string) error {
	d.mu.Lock()
	set := d.conns[docID]
	delete(d.conns, docID)
	d.mu.Unlock()

	for c := range set {
		_ = c.sock.Close()
	}
	return d.workers.ReleaseDoc(ctx, docID)
}

// Close deregisters the worker, stops sandbox throttles, shuts down the
// transport and waits for the save coordinator to go idle.
func (d *DocWorker) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	throttles := make([]*throttle.Throttle, 0, len(d.throttles))
	for _, th := range d.throttles {
		throttles = append(throttles, th)
	}
	d.throttles = make(map[int]*throttle.Throttle)
	conns := make([]*conn, 0)
	for _, set := range d.conns {
		for c := range set {
			conns = append(conns, c)
		}
	}
	d.conns = make(map[string]map[*conn]struct{})
	d.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(c.sock.Close)
	}
	for _, th := range throttles {
		th := th
		g.Go(func() error { th.Stop(); return nil })
	}
	_ = g.Wait()
	_ = d.server.Close()
	d.saver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.workers.DeregisterWorker(ctx, d.info); err != nil {
		return fmt.Errorf("docwire: deregister worker: %w", err)
	}
	return nil
}
