// Package realtime maintains the live socket connection, authenticated
// with the same access token the HTTP dispatcher uses. Token refresh on
// auth errors goes through the credential manager's single-flight
// refresh, never a private one.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/perchsocial/go-client/credential"
	"github.com/perchsocial/go-client/events"
	"github.com/perchsocial/go-client/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Message is one frame on the channel.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types of the channel's own protocol.
const (
	frameAuth      = "auth"
	frameAuthOK    = "auth_ok"
	frameAuthError = "auth_error"
)

// Conn is the minimal connection surface the channel needs. Satisfied
// by *websocket.Conn.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens connections. Injectable for tests.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Poller is the alternate transport tried once after the websocket
// reconnect budget is exhausted.
type Poller interface {
	Poll(ctx context.Context) ([]Message, error)
}

const (
	subscriberBuffer = 32
	maxSubscribers   = 64
)

// Channel is the realtime connection. It connects lazily on first use
// and reconnects with the shared backoff parameters.
type Channel struct {
	url    string
	creds  *credential.Manager
	bus    *events.Bus
	dialer Dialer
	poller Poller
	retry  config.Retry
	log    zerolog.Logger

	lock        sync.Mutex
	conn        Conn
	running     bool
	stopped     bool
	subscribers map[string]chan Message
	// ready is closed when a connection completes its handshake and
	// replaced with a fresh channel whenever the connection is lost,
	// so senders can wait for the next established connection.
	ready chan struct{}
}

// Option modifies a Channel.
type Option func(*Channel)

// WithDialer replaces the websocket dialer (primarily for testing).
func WithDialer(dialer Dialer) Option {
	return func(c *Channel) {
		c.dialer = dialer
	}
}

// WithPoller sets the alternate transport used as a last resort.
func WithPoller(poller Poller) Option {
	return func(c *Channel) {
		c.poller = poller
	}
}

// WithRetryPolicy sets the reconnect backoff parameters; they mirror
// the HTTP retry parameters for consistency.
func WithRetryPolicy(retry config.Retry) Option {
	return func(c *Channel) {
		c.retry = retry
	}
}

// New creates a Channel. No connection is opened until the first
// Subscribe or Send.
func New(url string, creds *credential.Manager, bus *events.Bus, log zerolog.Logger, options ...Option) (*Channel, error) {
	if creds == nil {
		return nil, errors.New("[realtime.New] credential manager is required")
	}
	if bus == nil {
		return nil, errors.New("[realtime.New] event bus is required")
	}

	c := &Channel{
		url:         url,
		creds:       creds,
		bus:         bus,
		dialer:      gorillaDialer{},
		retry:       config.Retry{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 4},
		log:         log,
		subscribers: make(map[string]chan Message),
		ready:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Subscribe registers a listener for incoming messages and lazily
// starts the connection. The cancel function removes the subscription;
// ok is false when the subscriber cap is reached.
func (c *Channel) Subscribe() (ch <-chan Message, cancel func(), ok bool) {
	c.lock.Lock()
	if len(c.subscribers) >= maxSubscribers {
		c.lock.Unlock()
		c.log.Warn().Msg("realtime subscriber cap reached")
		return nil, nil, false
	}

	id := uuid.New().String()
	sub := make(chan Message, subscriberBuffer)
	c.subscribers[id] = sub
	c.ensureRunningLocked()
	c.lock.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			c.lock.Lock()
			defer c.lock.Unlock()
			if s, exists := c.subscribers[id]; exists {
				delete(c.subscribers, id)
				close(s)
			}
		})
	}
	return sub, cancel, true
}

// Send writes a frame, connecting lazily when needed. The first Send
// blocks until the handshake completes; ctx bounds the wait.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	for {
		c.lock.Lock()
		if c.stopped {
			c.lock.Unlock()
			return errors.New("[Channel.Send] channel closed")
		}
		c.ensureRunningLocked()
		if conn := c.conn; conn != nil {
			c.lock.Unlock()
			if err := conn.WriteJSON(msg); err != nil {
				return errors.Wrap(err, "[Channel.Send] write")
			}
			return nil
		}
		ready := c.ready
		c.lock.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "[Channel.Send] waiting for connection")
		}
	}
}

// Close stops the channel permanently.
func (c *Channel) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stopped = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// ensureRunningLocked starts the connection loop once. Callers hold the
// lock.
func (c *Channel) ensureRunningLocked() {
	if c.running || c.stopped {
		return
	}
	c.running = true
	go c.run()
}

// run is the connection loop: connect, pump messages, reconnect with
// backoff on failure. After the reconnect budget, the alternate
// transport is tried once; then a persistent-disconnect signal is
// surfaced and the loop ends.
func (c *Channel) run() {
	defer func() {
		c.lock.Lock()
		c.running = false
		// Wake blocked senders so they observe the loop's exit and
		// can restart it (or fail on their own context).
		close(c.ready)
		c.ready = make(chan struct{})
		c.lock.Unlock()
	}()

	policy := c.newBackoff()
	attempts := 0
	authRetried := false

	for {
		if c.isStopped() {
			return
		}

		conn, err := c.connect(context.Background())
		if err == nil {
			policy.Reset()
			attempts = 0
			authRetried = false
			c.pump(conn)
			continue
		}

		if isAuthError(err) {
			if authRetried {
				c.log.Error().Msg("realtime auth failed after refresh, giving up")
				c.surfaceDown()
				return
			}
			authRetried = true
			if _, rerr := c.creds.Refresh(context.Background()); rerr != nil {
				// The manager already emitted AuthRequired.
				c.log.Err(rerr).Msg("realtime token refresh failed")
				return
			}
			continue
		}

		attempts++
		if attempts >= c.retry.MaxAttempts {
			c.fallbackOnce()
			c.surfaceDown()
			return
		}
		delay := policy.NextBackOff()
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("realtime reconnect backing off")
		time.Sleep(delay)
	}
}

// connect dials and completes the auth handshake.
func (c *Channel) connect(ctx context.Context) (Conn, error) {
	token, err := c.creds.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.Dial(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errAuthRejected
		}
		return nil, errors.Wrap(err, "[Channel.connect] dial")
	}

	// Handshake: first frame carries the token, the server answers
	// auth_ok or auth_error.
	authPayload, _ := json.Marshal(map[string]string{"token": token})
	if err := conn.WriteJSON(Message{Type: frameAuth, Payload: authPayload}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "[Channel.connect] auth frame")
	}

	var ack Message
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "[Channel.connect] auth ack")
	}
	if ack.Type == frameAuthError {
		_ = conn.Close()
		return nil, errAuthRejected
	}
	if ack.Type != frameAuthOK {
		_ = conn.Close()
		return nil, errors.Errorf("[Channel.connect] unexpected handshake frame %q", ack.Type)
	}

	c.lock.Lock()
	c.conn = conn
	close(c.ready)
	c.lock.Unlock()
	c.log.Debug().Msg("realtime connected")
	return conn, nil
}

// pump reads frames until the connection breaks, fanning them out to
// subscribers without blocking.
func (c *Channel) pump(conn Conn) {
	defer func() {
		c.lock.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.ready = make(chan struct{})
		c.lock.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.isStopped() {
				c.log.Warn().Err(err).Msg("realtime read failed")
			}
			return
		}
		c.deliver(msg)
	}
}

func (c *Channel) deliver(msg Message) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for id, sub := range c.subscribers {
		select {
		case sub <- msg:
		default:
			c.log.Warn().Str("subscriber", id).Msg("realtime subscriber buffer full, frame dropped")
		}
	}
}

// fallbackOnce tries the alternate transport a single time, delivering
// whatever it returns.
func (c *Channel) fallbackOnce() {
	if c.poller == nil {
		return
	}
	c.log.Info().Msg("realtime falling back to polling transport")

	msgs, err := c.poller.Poll(context.Background())
	if err != nil {
		c.log.Err(err).Msg("polling fallback failed")
		return
	}
	for _, msg := range msgs {
		c.deliver(msg)
	}
}

func (c *Channel) surfaceDown() {
	c.bus.Publish(events.Event{Type: events.RealtimeDown})
}

func (c *Channel) isStopped() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stopped
}

func (c *Channel) newBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.InitialDelay
	policy.MaxInterval = c.retry.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

var errAuthRejected = errors.New("realtime authentication rejected")

func isAuthError(err error) bool {
	return errors.Is(err, errAuthRejected)
}
