// Package batch merges near-simultaneous read requests into a single
// backend round trip. Reads enqueued within the flush window travel as
// one batch call; each waiter resolves independently from its slice of
// the batch response, in enqueue order.
package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/perchsocial/go-client/apierror"
	"github.com/perchsocial/go-client/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const batchEndpoint = "/batch"

// Doer dispatches the flushed batch call. Satisfied by
// *transport.Dispatcher.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Read is one coalesced read request.
type Read struct {
	Method   string     `json:"method"`
	Endpoint string     `json:"endpoint"`
	Params   url.Values `json:"params,omitempty"`
}

// Result is the outcome delivered to one waiter.
type Result struct {
	Body []byte
	Err  error
}

type waiter struct {
	ctx    context.Context
	read   Read
	result chan Result
}

// Coalescer accumulates reads for the flush window, then sends them as
// one POST to the batch endpoint.
type Coalescer struct {
	doer       Doer
	window     time.Duration
	maxPerCall int
	log        zerolog.Logger

	lock    sync.Mutex
	waiters []*waiter
	timer   *time.Timer
}

// New creates a Coalescer.
func New(doer Doer, window time.Duration, maxPerCall int, log zerolog.Logger) (*Coalescer, error) {
	if doer == nil {
		return nil, errors.New("[batch.New] doer is required")
	}
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	if maxPerCall <= 0 {
		maxPerCall = 20
	}
	return &Coalescer{doer: doer, window: window, maxPerCall: maxPerCall, log: log}, nil
}

// Enqueue adds a read to the current window and returns a channel that
// delivers its result. Hitting the per-call cap flushes immediately.
// The caller's context only scopes its own wait: cancelling it drops
// that one waiter, never the shared round trip.
func (c *Coalescer) Enqueue(ctx context.Context, read Read) <-chan Result {
	w := &waiter{ctx: ctx, read: read, result: make(chan Result, 1)}

	c.lock.Lock()
	c.waiters = append(c.waiters, w)
	full := len(c.waiters) >= c.maxPerCall
	if full {
		batch := c.waiters
		c.waiters = nil
		c.stopTimerLocked()
		c.lock.Unlock()
		go c.flush(batch)
		return w.result
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flushWindow)
	}
	c.lock.Unlock()

	return w.result
}

// flushWindow takes everything accumulated in the window and sends it.
func (c *Coalescer) flushWindow() {
	c.lock.Lock()
	batch := c.waiters
	c.waiters = nil
	c.timer = nil
	c.lock.Unlock()

	if len(batch) == 0 {
		return
	}
	c.flush(batch)
}

func (c *Coalescer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// batchResponse is the backend's shape: one result per request, in
// request order.
type batchResponse struct {
	Results []struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	} `json:"results"`
}

// flush performs the batch round trip and resolves every waiter in
// enqueue order. A batch-level failure rejects all waiters with the
// same error; there is no partial-success assumption. The round trip
// runs detached: it serves the whole window, so no single enqueuer's
// cancellation may abort it.
func (c *Coalescer) flush(batch []*waiter) {
	reads := make([]Read, 0, len(batch))
	for _, w := range batch {
		reads = append(reads, w.read)
	}
	c.log.Debug().Int("coalesced", len(reads)).Msg("flushing batch")

	resp, err := c.doer.Do(context.Background(), transport.Request{
		Method:   http.MethodPost,
		Endpoint: batchEndpoint,
		Body:     map[string]any{"requests": reads},
	})
	if err != nil {
		c.rejectAll(batch, err)
		return
	}

	var decoded batchResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		c.rejectAll(batch, apierror.Wrap(err, apierror.KindServerError, "malformed batch response"))
		return
	}
	if len(decoded.Results) != len(batch) {
		c.rejectAll(batch, apierror.New(apierror.KindServerError, "batch response size mismatch"))
		return
	}

	for i, w := range batch {
		if err := w.ctx.Err(); err != nil {
			w.result <- Result{Err: apierror.Wrap(err, apierror.KindCancelled, "caller gave up before the batch resolved")}
			continue
		}
		item := decoded.Results[i]
		if apiErr := apierror.FromStatus(item.Status, http.StatusText(item.Status)); apiErr != nil {
			w.result <- Result{Err: apiErr}
			continue
		}
		w.result <- Result{Body: item.Body}
	}
}

func (c *Coalescer) rejectAll(batch []*waiter, err error) {
	for _, w := range batch {
		w.result <- Result{Err: err}
	}
}
