package credential

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/perchsocial/go-client/apierror"
	"github.com/perchsocial/go-client/credstore"
	"github.com/perchsocial/go-client/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Refresher exchanges a refresh token for a new credential at the
// backend. Implementations must normalize failures to *apierror.Error
// so the Manager can tell transient failures from terminal rejections.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// refreshState is the single-flight state machine: idle -> refreshing
// -> idle. Callers that arrive while refreshing join the waiter list
// and share the in-flight outcome instead of issuing a second call.
type refreshState int

const (
	stateIdle refreshState = iota
	stateRefreshing
)

type refreshResult struct {
	cred *Credential
	err  error
}

// Manager guarantees that any caller obtains a currently-valid access
// token, performing at most one concurrent refresh.
type Manager struct {
	refresher Refresher
	secure    credstore.Repo
	bus       *events.Bus
	log       zerolog.Logger

	margin         time.Duration
	refreshRetries int
	initialDelay   time.Duration
	maxDelay       time.Duration
	nowFunc        func() time.Time

	lock    sync.Mutex
	cred    *Credential
	state   refreshState
	waiters []chan refreshResult
	// epoch increments on every Seed and Invalidate. A refresh that
	// started under an older epoch belongs to a credential that is no
	// longer active and must not install its result.
	epoch uint64
}

// ManagerOption modifies a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithRefreshMargin sets how close to expiry a token may get before a
// refresh is triggered ahead of use.
func WithRefreshMargin(margin time.Duration) ManagerOption {
	return func(m *Manager) {
		m.margin = margin
	}
}

// WithRefreshRetryPolicy bounds the backoff retry of network-transient
// refresh failures. A rejected refresh is terminal regardless.
func WithRefreshRetryPolicy(retries int, initialDelay, maxDelay time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshRetries = retries
		m.initialDelay = initialDelay
		m.maxDelay = maxDelay
	}
}

// NewManager creates a Manager persisting into the given secure store
// partition. Any credential already persisted there is loaded and
// becomes the active credential.
func NewManager(refresher Refresher, secure credstore.Repo, bus *events.Bus, log zerolog.Logger, options ...ManagerOption) (*Manager, error) {
	if refresher == nil {
		return nil, errors.New("[NewManager] refresher is required")
	}
	if secure == nil {
		return nil, errors.New("[NewManager] secure store is required")
	}
	if bus == nil {
		return nil, errors.New("[NewManager] event bus is required")
	}

	m := &Manager{
		refresher:      refresher,
		secure:         secure,
		bus:            bus,
		log:            log,
		margin:         5 * time.Minute,
		refreshRetries: 1,
		initialDelay:   500 * time.Millisecond,
		maxDelay:       10 * time.Second,
		nowFunc:        time.Now,
	}
	for _, opt := range options {
		opt(m)
	}

	m.loadStored()
	return m, nil
}

// GetValidToken returns an access token believed valid right now. When
// the known expiry is inside the safety margin a refresh runs first;
// when no expiry is known the stored token is returned as-is and the
// dispatcher's 401 handling catches staleness.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.lock.Lock()
	if m.cred == nil {
		m.lock.Unlock()
		return "", apierror.New(apierror.KindNotAuthenticated, "no credential for active session")
	}

	if !m.cred.ExpiresWithin(m.nowFunc(), m.margin) {
		token := m.cred.AccessToken
		m.lock.Unlock()
		return token, nil
	}
	m.lock.Unlock()

	cred, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Refresh rotates the credential, coalescing concurrent callers into a
// single network call. All callers receive the same new credential or
// the same failure. A terminal failure invalidates the credential and
// emits exactly one AuthRequired event.
func (m *Manager) Refresh(ctx context.Context) (*Credential, error) {
	m.lock.Lock()

	if m.state == stateRefreshing {
		waiter := make(chan refreshResult, 1)
		m.waiters = append(m.waiters, waiter)
		m.lock.Unlock()

		select {
		case res := <-waiter:
			return res.cred, res.err
		case <-ctx.Done():
			// The caller gives up waiting; the shared refresh keeps
			// running for everyone else.
			return nil, apierror.Wrap(ctx.Err(), apierror.KindCancelled, "refresh wait cancelled")
		}
	}

	if m.cred == nil || m.cred.RefreshToken == "" {
		m.lock.Unlock()
		return nil, apierror.New(apierror.KindNotAuthenticated, "no refresh token for active session")
	}

	refreshToken := m.cred.RefreshToken
	epoch := m.epoch
	m.state = stateRefreshing
	m.lock.Unlock()

	// Detached from the triggering caller: cancelling one request must
	// not abort the refresh other callers are waiting on.
	cred, err := m.doRefresh(context.WithoutCancel(ctx), refreshToken)

	m.lock.Lock()
	m.state = stateIdle
	waiters := m.waiters
	m.waiters = nil

	if m.epoch != epoch {
		// The credential changed hands while the refresh was in
		// flight (logout or session switch). Whatever came back
		// belongs to the old account; installing or persisting it
		// would leak that account's token into the new session.
		m.lock.Unlock()

		superseded := apierror.New(apierror.KindCancelled, "refresh superseded by a credential change")
		m.log.Debug().Msg("discarding refresh result from a replaced credential")
		for _, w := range waiters {
			w <- refreshResult{err: superseded}
		}
		return nil, superseded
	}

	if err != nil {
		m.cred = nil
		m.lock.Unlock()

		m.clearStored()
		failure := apierror.Wrap(err, apierror.KindRefreshFailed, "token refresh failed")
		m.log.Error().Err(err).Msg("token refresh failed, session terminated")
		m.bus.Publish(events.Event{Type: events.AuthRequired})

		for _, w := range waiters {
			w <- refreshResult{err: failure}
		}
		return nil, failure
	}

	stored := cred.WithRecoveredExpiry()
	m.cred = &stored
	m.lock.Unlock()

	m.persist(stored)
	m.log.Debug().Time("expires_at", stored.ExpiresAt).Msg("credential refreshed")

	for _, w := range waiters {
		c := stored
		w <- refreshResult{cred: &c}
	}
	result := stored
	return &result, nil
}

// doRefresh performs the network call, retrying transient failures with
// the shared backoff policy up to the configured bound. Terminal
// rejections abort immediately.
func (m *Manager) doRefresh(ctx context.Context, refreshToken string) (*Credential, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialDelay
	policy.MaxInterval = m.maxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	var cred *Credential
	operation := func() error {
		var err error
		cred, err = m.refresher.Refresh(ctx, refreshToken)
		if err == nil {
			return nil
		}
		if apierror.KindOf(err).Retryable() {
			m.log.Warn().Err(err).Msg("transient refresh failure, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.refreshRetries)), ctx))
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.AccessToken == "" {
		return nil, errors.New("refresh endpoint returned no access token")
	}
	return cred, nil
}

// Seed installs a credential (from login, registration, or a session
// switch) and persists it.
func (m *Manager) Seed(cred Credential) {
	stored := cred.WithRecoveredExpiry()

	m.lock.Lock()
	m.cred = &stored
	m.epoch++
	m.lock.Unlock()

	m.persist(stored)
}

// Invalidate clears the credential without calling the backend. Used on
// explicit logout and session switch; idempotent.
func (m *Manager) Invalidate() {
	m.lock.Lock()
	already := m.cred == nil
	m.cred = nil
	m.epoch++
	m.lock.Unlock()

	if already {
		return
	}
	m.clearStored()
}

// Current returns a copy of the active credential, or false when none
// exists. It never triggers a refresh.
func (m *Manager) Current() (Credential, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.cred == nil {
		return Credential{}, false
	}
	return *m.cred, true
}

func (m *Manager) loadStored() {
	access, err := m.secure.Get(credstore.KeyAccessToken)
	if err != nil {
		return
	}
	refresh, err := m.secure.Get(credstore.KeyRefreshToken)
	if err != nil {
		return
	}

	cred := Credential{AccessToken: access, RefreshToken: refresh}.WithRecoveredExpiry()
	m.cred = &cred
}

func (m *Manager) persist(cred Credential) {
	if err := m.secure.Set(credstore.KeyAccessToken, cred.AccessToken); err != nil {
		m.log.Err(err).Msg("failed to persist access token")
	}
	if err := m.secure.Set(credstore.KeyRefreshToken, cred.RefreshToken); err != nil {
		m.log.Err(err).Msg("failed to persist refresh token")
	}
}

func (m *Manager) clearStored() {
	if err := m.secure.Delete(credstore.KeyAccessToken); err != nil {
		m.log.Err(err).Msg("failed to clear access token")
	}
	if err := m.secure.Delete(credstore.KeyRefreshToken); err != nil {
		m.log.Err(err).Msg("failed to clear refresh token")
	}
}
