package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/perchsocial/go-client/apierror"
	"github.com/perchsocial/go-client/credential"
	"github.com/perchsocial/go-client/credstore"
	"github.com/perchsocial/go-client/events"
	"github.com/perchsocial/go-client/respcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// CredentialSource fetches fresh credential and profile data for an
// account whose locally stored credential is missing or unusable.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (*credential.Credential, *Profile, error)
}

// Registry owns the ordered list of known sessions and which one is
// active. All list and active-session mutation goes through it.
type Registry struct {
	store  credstore.Store
	creds  *credential.Manager
	cache  *respcache.Cache
	bus    *events.Bus
	source CredentialSource
	log    zerolog.Logger

	nowFunc func() time.Time

	lock     sync.Mutex
	sessions []Session
	activeID string
}

// RegistryOption modifies a Registry.
type RegistryOption func(*Registry)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

// NewRegistry creates a Registry, loading any persisted session list
// and active-session marker.
func NewRegistry(store credstore.Store, creds *credential.Manager, cache *respcache.Cache, bus *events.Bus, source CredentialSource, log zerolog.Logger, options ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("[NewRegistry] store is required")
	}
	if creds == nil {
		return nil, errors.New("[NewRegistry] credential manager is required")
	}
	if cache == nil {
		return nil, errors.New("[NewRegistry] cache is required")
	}
	if bus == nil {
		return nil, errors.New("[NewRegistry] event bus is required")
	}
	if source == nil {
		return nil, errors.New("[NewRegistry] credential source is required")
	}

	r := &Registry{
		store:   store,
		creds:   creds,
		cache:   cache,
		bus:     bus,
		source:  source,
		log:     log,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	r.load()
	return r, nil
}

// Add appends or updates a session and stashes its credential for
// later switches. It does not change which session is active.
func (r *Registry) Add(session Session, cred credential.Credential) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	found := false
	for i := range r.sessions {
		if r.sessions[i].ID == session.ID {
			r.sessions[i] = session
			found = true
			break
		}
	}
	if !found {
		r.sessions = append(r.sessions, session)
	}

	if err := r.stashCredential(session.ID, cred); err != nil {
		return errors.Wrap(err, "[Registry.Add] stash credential")
	}
	if err := r.persistList(); err != nil {
		return errors.Wrap(err, "[Registry.Add] persist list")
	}

	r.bus.Publish(events.Event{Type: events.SessionListChanged})
	return nil
}

// List returns the sessions in stable order.
func (r *Registry) List() []Session {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Active returns the active session, if any.
func (r *Registry) Active() (Session, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, s := range r.sessions {
		if s.ID == r.activeID {
			return s, true
		}
	}
	return Session{}, false
}

// Switch makes the target session active: the previous credential is
// invalidated and the cache cleared before anything runs under the new
// account. When the stashed credential for the target is unusable, a
// fresh one is fetched first. Switching to the only remaining session
// and failing irrecoverably falls back to full logout.
func (r *Registry) Switch(ctx context.Context, id string) (*Session, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	idx := -1
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apierror.New(apierror.KindSessionNotFound, "unknown session "+id)
	}

	if id == r.activeID {
		session := r.sessions[idx]
		return &session, nil
	}

	// Stash the outgoing credential so the account can be switched
	// back to without a fresh login.
	if current, ok := r.creds.Current(); ok && r.activeID != "" {
		if err := r.stashCredential(r.activeID, current); err != nil {
			r.log.Err(err).Str("session", r.activeID).Msg("failed to stash outgoing credential")
		}
	}

	cred, profile, err := r.credentialFor(ctx, id)
	if err != nil {
		if len(r.sessions) == 1 {
			r.log.Error().Err(err).Msg("switch to last remaining session failed, logging out")
			r.logoutLocked(id)
			r.bus.Publish(events.Event{Type: events.AuthRequired})
		}
		return nil, apierror.Wrap(err, apierror.KindSwitchFailed, "could not obtain credential for session "+id)
	}

	// The previous account's state must be fully gone before the new
	// credential is installed.
	r.creds.Invalidate()
	r.creds.Seed(*cred)
	r.activeID = id
	r.cache.Clear()

	if profile != nil {
		r.sessions[idx].Profile = *profile
	}
	r.sessions[idx].LastRefresh = r.nowFunc()
	if err := r.persistList(); err != nil {
		r.log.Err(err).Msg("failed to persist session list")
	}
	if err := r.store.Plain().Set(credstore.KeyActiveUserID, id); err != nil {
		r.log.Err(err).Msg("failed to persist active session")
	}

	session := r.sessions[idx]
	r.bus.Publish(events.Event{Type: events.SessionSwitched, Payload: id})
	r.log.Info().Str("session", id).Msg("active session switched")
	return &session, nil
}

// Remove drops a session from the list. Removing the active session
// invalidates the credential and clears the cache; the registry never
// implicitly picks a new active session.
func (r *Registry) Remove(id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	idx := -1
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apierror.New(apierror.KindSessionNotFound, "unknown session "+id)
	}

	r.sessions = append(r.sessions[:idx], r.sessions[idx+1:]...)
	r.dropStashedCredential(id)

	if id == r.activeID {
		r.activeID = ""
		r.creds.Invalidate()
		r.cache.Clear()
		if err := r.store.Plain().Delete(credstore.KeyActiveUserID); err != nil {
			r.log.Err(err).Msg("failed to clear active session marker")
		}
	}

	if err := r.persistList(); err != nil {
		return errors.Wrap(err, "[Registry.Remove] persist list")
	}
	r.bus.Publish(events.Event{Type: events.SessionListChanged})
	return nil
}

// Logout signs the active session out locally: credential destroyed,
// cache cleared, session removed from the list. No backend call is
// made. Calling it with no active session is a no-op.
func (r *Registry) Logout() {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.activeID == "" {
		return
	}
	r.logoutLocked(r.activeID)
	r.bus.Publish(events.Event{Type: events.SessionListChanged})
}

// logoutLocked removes the given session and all account state. Callers
// hold the lock.
func (r *Registry) logoutLocked(id string) {
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	r.dropStashedCredential(id)
	r.activeID = ""
	r.creds.Invalidate()
	r.cache.Clear()

	if err := r.store.Plain().Delete(credstore.KeyActiveUserID); err != nil {
		r.log.Err(err).Msg("failed to clear active session marker")
	}
	if err := r.persistList(); err != nil {
		r.log.Err(err).Msg("failed to persist session list")
	}
}

// credentialFor returns a usable credential for the account, preferring
// the stashed one and falling back to a backend fetch.
func (r *Registry) credentialFor(ctx context.Context, id string) (*credential.Credential, *Profile, error) {
	refresh, err := r.store.Secure().Get(credstore.ScopedKey(id, credstore.KeyRefreshToken))
	if err == nil && refresh != "" {
		access, _ := r.store.Secure().Get(credstore.ScopedKey(id, credstore.KeyAccessToken))
		return &credential.Credential{AccessToken: access, RefreshToken: refresh}, nil, nil
	}

	r.log.Debug().Str("session", id).Msg("no stashed credential, fetching from backend")
	return r.source.Credentials(ctx, id)
}

func (r *Registry) stashCredential(id string, cred credential.Credential) error {
	if err := r.store.Secure().Set(credstore.ScopedKey(id, credstore.KeyAccessToken), cred.AccessToken); err != nil {
		return err
	}
	return r.store.Secure().Set(credstore.ScopedKey(id, credstore.KeyRefreshToken), cred.RefreshToken)
}

func (r *Registry) dropStashedCredential(id string) {
	if err := r.store.Secure().Delete(credstore.ScopedKey(id, credstore.KeyAccessToken)); err != nil {
		r.log.Err(err).Msg("failed to drop stashed access token")
	}
	if err := r.store.Secure().Delete(credstore.ScopedKey(id, credstore.KeyRefreshToken)); err != nil {
		r.log.Err(err).Msg("failed to drop stashed refresh token")
	}
}

func (r *Registry) persistList() error {
	raw, err := json.Marshal(r.sessions)
	if err != nil {
		return errors.Wrap(err, "marshal session list")
	}
	return r.store.Plain().Set(credstore.KeySessionList, string(raw))
}

func (r *Registry) load() {
	raw, err := r.store.Plain().Get(credstore.KeySessionList)
	if err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.sessions); err != nil {
			r.log.Err(err).Msg("discarding unreadable session list")
			r.sessions = nil
		}
	}
	if active, err := r.store.Plain().Get(credstore.KeyActiveUserID); err == nil {
		r.activeID = active
	}
}
