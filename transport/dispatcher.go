// Package transport executes authenticated, resilient HTTP calls on
// behalf of the UI layer: bearer attachment, retry with backoff,
// response caching, and FIFO replay of requests that collide with a
// token refresh.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/perchsocial/go-client/apierror"
	"github.com/perchsocial/go-client/credential"
	"github.com/perchsocial/go-client/internal/config"
	"github.com/perchsocial/go-client/respcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Dispatcher wraps outbound HTTP calls. All UI-originated traffic goes
// through Do.
type Dispatcher struct {
	baseURL string
	client  *http.Client
	creds   *credential.Manager
	cache   *respcache.Cache
	log     zerolog.Logger
	retry   config.Retry
	timeout time.Duration

	// Requests that hit a 401 while a refresh is in flight queue here
	// and are replayed in arrival order once the refresh resolves.
	lock     sync.Mutex
	pending  []*pendingRequest
	draining bool
}

type pendingResult struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	ctx    context.Context
	req    Request
	result chan pendingResult
}

// DispatcherOption modifies a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithRetryPolicy sets the backoff parameters for transient failures.
func WithRetryPolicy(retry config.Retry) DispatcherOption {
	return func(d *Dispatcher) {
		d.retry = retry
	}
}

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(baseURL string, creds *credential.Manager, cache *respcache.Cache, log zerolog.Logger, options ...DispatcherOption) (*Dispatcher, error) {
	if creds == nil {
		return nil, errors.New("[NewDispatcher] credential manager is required")
	}
	if cache == nil {
		return nil, errors.New("[NewDispatcher] response cache is required")
	}

	d := &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		creds:   creds,
		cache:   cache,
		log:     log,
		retry:   config.Retry{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 4},
		timeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// Do executes the request: cache lookup for reads, token attachment,
// transient retry with backoff, and a single replay through the
// coalesced refresh on 401.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	if key, ok := d.cacheKey(req); ok {
		if body, hit := d.cache.Get(key); hit {
			d.log.Debug().Str("endpoint", req.Endpoint).Msg("cache hit")
			return &Response{StatusCode: http.StatusOK, Body: body}, nil
		}
	}

	var token string
	if !req.Opts.NoAuth {
		var err error
		token, err = d.creds.GetValidToken(ctx)
		if err != nil {
			return nil, err
		}
	}

	resp, err := d.attempt(ctx, req, token)
	if err != nil {
		if !req.Opts.NoAuth && apierror.Is(err, apierror.KindNotAuthenticated) {
			return d.replayAfterRefresh(ctx, req)
		}
		return nil, err
	}

	d.applyCacheEffects(req, resp)
	return resp, nil
}

// replayAfterRefresh queues the request behind the single-flight
// refresh and waits for its replay. The first arrival kicks off the
// refresh-and-drain loop; later arrivals only append.
func (d *Dispatcher) replayAfterRefresh(ctx context.Context, req Request) (*Response, error) {
	pr := &pendingRequest{ctx: ctx, req: req, result: make(chan pendingResult, 1)}

	d.lock.Lock()
	d.pending = append(d.pending, pr)
	first := !d.draining
	if first {
		d.draining = true
	}
	queued := len(d.pending)
	d.lock.Unlock()

	d.log.Debug().Str("endpoint", req.Endpoint).Int("queued", queued).Msg("request queued behind token refresh")
	if first {
		go d.refreshAndDrain()
	}

	select {
	case res := <-pr.result:
		return res.resp, res.err
	case <-ctx.Done():
		// The caller stops waiting; the drain loop still completes the
		// replay for the rest of the queue.
		return nil, apierror.Wrap(ctx.Err(), apierror.KindCancelled, "request cancelled while queued")
	}
}

// refreshAndDrain performs the coalesced refresh, then replays the
// queue FIFO. Each queued request is replayed at most once; a second
// 401 on the replay surfaces to the caller instead of looping.
func (d *Dispatcher) refreshAndDrain() {
	_, refreshErr := d.creds.Refresh(context.Background())

	for {
		d.lock.Lock()
		if len(d.pending) == 0 {
			d.draining = false
			d.lock.Unlock()
			return
		}
		pr := d.pending[0]
		d.pending = d.pending[1:]
		d.lock.Unlock()

		if refreshErr != nil {
			pr.result <- pendingResult{err: refreshErr}
			continue
		}

		token, err := d.creds.GetValidToken(pr.ctx)
		if err != nil {
			pr.result <- pendingResult{err: err}
			continue
		}

		resp, err := d.attempt(pr.ctx, pr.req, token)
		if err == nil {
			d.applyCacheEffects(pr.req, resp)
		}
		pr.result <- pendingResult{resp: resp, err: err}
	}
}

// attempt runs the HTTP call, retrying transient failures (network,
// 429, 5xx) with exponential backoff up to the attempt budget. 401 and
// validation failures abort immediately.
func (d *Dispatcher) attempt(ctx context.Context, req Request, token string) (*Response, error) {
	policy := newBackoff(d.retry)

	var resp *Response
	attempts := 0
	operation := func() error {
		attempts++
		var err error
		resp, err = d.roundTrip(ctx, req, token)
		if err == nil {
			return nil
		}
		if apierror.KindOf(err).Retryable() {
			d.log.Warn().Err(err).Str("endpoint", req.Endpoint).Int("attempt", attempts).Msg("transient failure, backing off")
			return err
		}
		return backoff.Permanent(err)
	}

	maxRetries := uint64(0)
	if d.retry.MaxAttempts > 1 {
		maxRetries = uint64(d.retry.MaxAttempts - 1)
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// roundTrip performs exactly one HTTP exchange and classifies its
// outcome.
func (d *Dispatcher) roundTrip(ctx context.Context, req Request, token string) (*Response, error) {
	timeout := d.timeout
	if req.Opts.Timeout > 0 {
		timeout = req.Opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "[Dispatcher.roundTrip] marshal body")
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, d.baseURL+req.Endpoint, body)
	if err != nil {
		return nil, errors.Wrap(err, "[Dispatcher.roundTrip] build request")
	}
	if len(req.Params) > 0 {
		httpReq.URL.RawQuery = req.Params.Encode()
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("X-Request-ID", uuid.New().String())

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.Wrap(ctx.Err(), apierror.KindCancelled, "request cancelled")
		}
		// Includes the per-request timeout firing.
		return nil, apierror.Wrap(err, apierror.KindNetworkTransient, "network failure")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindNetworkTransient, "reading response body")
	}

	if apiErr := classifyResponse(httpResp.StatusCode, raw); apiErr != nil {
		return nil, apiErr
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: raw, Header: httpResp.Header}, nil
}

// applyCacheEffects stores cacheable reads and prefix-invalidates on
// mutations.
func (d *Dispatcher) applyCacheEffects(req Request, resp *Response) {
	if req.isMutation() {
		prefix := req.invalidationPrefix()
		d.cache.InvalidatePrefix(prefix)
		d.log.Debug().Str("prefix", prefix).Msg("cache invalidated")
		return
	}
	if key, ok := d.cacheKey(req); ok {
		d.cache.Set(key, resp.Body)
	}
}

func (d *Dispatcher) cacheKey(req Request) (string, bool) {
	if !req.isRead() || !req.Opts.Cache {
		return "", false
	}
	return respcache.Key(req.Endpoint, req.Params), true
}

// errorEnvelope is the backend's error payload shape.
type errorEnvelope struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
}

// classifyResponse maps a non-2xx response to the error taxonomy,
// preserving field-level validation detail when the backend provides
// it.
func classifyResponse(status int, body []byte) *apierror.Error {
	apiErr := apierror.FromStatus(status, http.StatusText(status))
	if apiErr == nil {
		return nil
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			apiErr.Message = envelope.Message
		}
		if len(envelope.Errors) > 0 {
			apiErr.Details = envelope.Errors
		}
	}
	return apiErr
}
