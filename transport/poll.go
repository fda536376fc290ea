package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pollSession is the server half of a long-polling connection. Outbound
// messages queue until the client's next recv request drains them; inbound
// batches dispatch in arrival order.
type pollSession struct {
	callbacks
	id      string
	limiter *rate.Limiter

	stateMu  sync.Mutex
	outbox   [][]byte
	done     bool
	notify   chan struct{}
	lastPoll time.Time
}

var _ Socket = (*pollSession)(nil)

func newPollSession(id string, limiter *rate.Limiter) *pollSession {
	return &pollSession{
		id:       id,
		limiter:  limiter,
		notify:   make(chan struct{}, 1),
		lastPoll: time.Now(),
	}
}

// Send queues one message for the client's next poll.
func (p *pollSession) Send(data []byte) error {
	p.stateMu.Lock()
	if p.done {
		p.stateMu.Unlock()
		return ErrClosed
	}
	p.outbox = append(p.outbox, data)
	p.stateMu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// OnMessage registers the inbound message handler.
func (p *pollSession) OnMessage(fn func(data []byte)) { p.setOnMessage(fn) }

// OnError registers the error handler.
func (p *pollSession) OnError(fn func(err error)) { p.setOnError(fn) }

// Close ends the session. The client learns of the close on its next poll.
func (p *pollSession) Close() error {
	p.markClosed()

	p.stateMu.Lock()
	p.done = true
	p.stateMu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// expire closes a session whose client stopped polling.
func (p *pollSession) expire() {
	p.dispatchError(context.DeadlineExceeded)
	_ = p.Close()
}

// receive dispatches an inbound batch in order.
func (p *pollSession) receive(ctx context.Context, messages [][]byte) error {
	p.stateMu.Lock()
	done := p.done
	p.stateMu.Unlock()
	if done {
		return ErrClosed
	}

	for _, data := range messages {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		p.dispatchMessage(data)
	}
	return nil
}

// waitOutbound blocks until outbound messages queue up, the session ends,
// or the wait expires, then drains the outbox.
func (p *pollSession) waitOutbound(ctx context.Context, wait time.Duration) pollBatch {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		p.stateMu.Lock()
		p.lastPoll = time.Now()
		if len(p.outbox) > 0 || p.done {
			batch := pollBatch{Messages: p.outbox, Closed: p.done}
			p.outbox = nil
			p.stateMu.Unlock()
			return batch
		}
		p.stateMu.Unlock()

		select {
		case <-p.notify:
		case <-timer.C:
			return pollBatch{}
		case <-ctx.Done():
			return pollBatch{}
		}
	}
}

// idleSince reports whether the client has not polled since the cutoff.
func (p *pollSession) idleSince(cutoff time.Time) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.lastPoll.Before(cutoff)
}

// decodeJSONBody decodes a request body with the poll codec.
func decodeJSONBody(r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 16<<20))
	if err != nil {
		return err
	}
	return pollCodec.Unmarshal(data, v)
}
