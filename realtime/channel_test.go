package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perchsocial/go-client/credential"
	"github.com/perchsocial/go-client/credstore"
	"github.com/perchsocial/go-client/events"
	"github.com/perchsocial/go-client/internal/config"
	"github.com/perchsocial/go-client/realtime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testRetry = config.Retry{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}

type countingRefresher struct {
	calls atomic.Int64
	next  credential.Credential
}

func (r *countingRefresher) Refresh(_ context.Context, _ string) (*credential.Credential, error) {
	r.calls.Add(1)
	cred := r.next
	return &cred, nil
}

// fakeConn scripts one websocket connection: it acks the auth
// handshake (accepting only wantToken when set) and then serves frames
// pushed into incoming.
type fakeConn struct {
	wantToken string
	incoming  chan realtime.Message

	mu         sync.Mutex
	writes     []realtime.Message
	pendingAck *realtime.Message
	closeOnce  sync.Once
	closed     chan struct{}
}

func newFakeConn(wantToken string) *fakeConn {
	return &fakeConn{
		wantToken: wantToken,
		incoming:  make(chan realtime.Message, 16),
		closed:    make(chan struct{}),
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	msg, ok := v.(realtime.Message)
	if !ok {
		return errors.New("unexpected frame type")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, msg)

	if msg.Type == "auth" {
		var payload struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(msg.Payload, &payload)
		ack := realtime.Message{Type: "auth_ok"}
		if f.wantToken != "" && payload.Token != f.wantToken {
			ack = realtime.Message{Type: "auth_error"}
		}
		f.pendingAck = &ack
	}
	return nil
}

func (f *fakeConn) ReadJSON(v any) error {
	f.mu.Lock()
	if f.pendingAck != nil {
		*(v.(*realtime.Message)) = *f.pendingAck
		f.pendingAck = nil
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	select {
	case msg := <-f.incoming:
		*(v.(*realtime.Message)) = msg
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// scriptedDialer replays a fixed sequence of dial outcomes, repeating
// the last one when the script runs out.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	dials atomic.Int64
}

func (d *scriptedDialer) Dial(_ context.Context, _ string, _ http.Header) (realtime.Conn, *http.Response, error) {
	i := int(d.dials.Add(1)) - 1

	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		i = len(d.conns) - 1
	}
	if d.errs[i] != nil {
		return nil, nil, d.errs[i]
	}
	return d.conns[i], nil, nil
}

type fakePoller struct {
	calls atomic.Int64
	msgs  []realtime.Message
	err   error
}

func (p *fakePoller) Poll(_ context.Context) ([]realtime.Message, error) {
	p.calls.Add(1)
	return p.msgs, p.err
}

func newManager(t *testing.T, refresher credential.Refresher, token string) *credential.Manager {
	t.Helper()
	m, err := credential.NewManager(refresher, credstore.NewMemoryStore().Secure(), events.NewBus(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	m.Seed(credential.Credential{AccessToken: token, RefreshToken: "R1"})
	return m
}

func TestSubscribeConnectsLazilyAndDeliversFrames(t *testing.T) {
	conn := newFakeConn("A1")
	dialer := &scriptedDialer{conns: []*fakeConn{conn}, errs: []error{nil}}
	manager := newManager(t, &countingRefresher{}, "A1")

	ch, err := realtime.New("wss://example/socket", manager, events.NewBus(zerolog.Nop()), zerolog.Nop(),
		realtime.WithDialer(dialer), realtime.WithRetryPolicy(testRetry))
	require.NoError(t, err)
	defer ch.Close()

	require.EqualValues(t, 0, dialer.dials.Load(), "no connection before first use")

	sub, cancel, ok := ch.Subscribe()
	require.True(t, ok)
	defer cancel()

	conn.incoming <- realtime.Message{Type: "post_created", Payload: json.RawMessage(`{"id":"p1"}`)}

	select {
	case msg := <-sub:
		require.Equal(t, "post_created", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered")
	}
	require.EqualValues(t, 1, dialer.dials.Load())
}

func TestAuthErrorRefreshesThroughManagerAndReconnects(t *testing.T) {
	// First connection rejects the stale token, the second accepts the
	// refreshed one.
	stale := newFakeConn("A2")
	fresh := newFakeConn("A2")
	dialer := &scriptedDialer{conns: []*fakeConn{stale, fresh}, errs: []error{nil, nil}}

	refresher := &countingRefresher{next: credential.Credential{AccessToken: "A2", RefreshToken: "R2"}}
	manager := newManager(t, refresher, "A1")

	ch, err := realtime.New("wss://example/socket", manager, events.NewBus(zerolog.Nop()), zerolog.Nop(),
		realtime.WithDialer(dialer), realtime.WithRetryPolicy(testRetry))
	require.NoError(t, err)
	defer ch.Close()

	sub, cancel, ok := ch.Subscribe()
	require.True(t, ok)
	defer cancel()

	fresh.incoming <- realtime.Message{Type: "ping"}

	select {
	case msg := <-sub:
		require.Equal(t, "ping", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("reconnect with refreshed token did not happen")
	}
	require.EqualValues(t, 1, refresher.calls.Load(), "exactly one single-flight refresh")
	require.EqualValues(t, 2, dialer.dials.Load())
}

func TestTransportFailureFallsBackThenSurfacesDown(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := &scriptedDialer{conns: []*fakeConn{nil}, errs: []error{dialErr}}
	poller := &fakePoller{msgs: []realtime.Message{{Type: "missed_event"}}}

	manager := newManager(t, &countingRefresher{}, "A1")
	bus := events.NewBus(zerolog.Nop())

	ch, err := realtime.New("wss://example/socket", manager, bus, zerolog.Nop(),
		realtime.WithDialer(dialer), realtime.WithPoller(poller), realtime.WithRetryPolicy(testRetry))
	require.NoError(t, err)
	defer ch.Close()

	evCh, evCancel, ok := bus.Subscribe()
	require.True(t, ok)
	defer evCancel()

	sub, cancel, ok := ch.Subscribe()
	require.True(t, ok)
	defer cancel()

	// The polled message still reaches subscribers.
	select {
	case msg := <-sub:
		require.Equal(t, "missed_event", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("fallback poll result was not delivered")
	}

	select {
	case ev := <-evCh:
		require.Equal(t, events.RealtimeDown, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("persistent-disconnect signal missing")
	}

	require.EqualValues(t, 1, poller.calls.Load(), "alternate transport tried exactly once")
	require.EqualValues(t, testRetry.MaxAttempts, dialer.dials.Load())
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.writes))
	for _, msg := range f.writes {
		types = append(types, msg.Type)
	}
	return types
}

func TestSendConnectsLazilyAndWaitsForHandshake(t *testing.T) {
	conn := newFakeConn("A1")
	dialer := &scriptedDialer{conns: []*fakeConn{conn}, errs: []error{nil}}
	manager := newManager(t, &countingRefresher{}, "A1")

	ch, err := realtime.New("wss://example/socket", manager, events.NewBus(zerolog.Nop()), zerolog.Nop(),
		realtime.WithDialer(dialer), realtime.WithRetryPolicy(testRetry))
	require.NoError(t, err)
	defer ch.Close()

	require.EqualValues(t, 0, dialer.dials.Load(), "no connection before first use")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, realtime.Message{Type: "typing"}))

	require.Equal(t, []string{"auth", "typing"}, conn.sentTypes(), "frame written after the handshake")
	require.EqualValues(t, 1, dialer.dials.Load())
}

func TestSendGivesUpWhenConnectionNeverEstablishes(t *testing.T) {
	dialer := &scriptedDialer{conns: []*fakeConn{nil}, errs: []error{errors.New("connection refused")}}
	manager := newManager(t, &countingRefresher{}, "A1")

	ch, err := realtime.New("wss://example/socket", manager, events.NewBus(zerolog.Nop()), zerolog.Nop(),
		realtime.WithDialer(dialer), realtime.WithRetryPolicy(testRetry))
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = ch.Send(ctx, realtime.Message{Type: "typing"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnsubscribeReleasesSlot(t *testing.T) {
	conn := newFakeConn("")
	dialer := &scriptedDialer{conns: []*fakeConn{conn}, errs: []error{nil}}
	manager := newManager(t, &countingRefresher{}, "A1")

	ch, err := realtime.New("wss://example/socket", manager, events.NewBus(zerolog.Nop()), zerolog.Nop(),
		realtime.WithDialer(dialer), realtime.WithRetryPolicy(testRetry))
	require.NoError(t, err)
	defer ch.Close()

	sub, cancel, ok := ch.Subscribe()
	require.True(t, ok)

	cancel()
	cancel() // idempotent

	_, open := <-sub
	require.False(t, open)
}
