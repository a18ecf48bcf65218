package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/perchsocial/go-client/client"
	"github.com/perchsocial/go-client/credstore"
	"github.com/perchsocial/go-client/internal/config"
	"github.com/perchsocial/go-client/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBackend implements the auth and profile endpoints the client
// talks to, tracking call counts per path and a set of live access
// tokens.
type fakeBackend struct {
	mu           sync.Mutex
	hits         map[string]int
	valid        map[string]bool
	refreshCalls atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{hits: map[string]int{}, valid: map[string]bool{}}
}

func (b *fakeBackend) count(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hits[path]++
}

func (b *fakeBackend) revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.valid, token)
}

func (b *fakeBackend) hitCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func (b *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.count(r.URL.Path)

		switch {
		case r.URL.Path == "/auth/login" || r.URL.Path == "/auth/register":
			var creds map[string]string
			json.NewDecoder(r.Body).Decode(&creds)
			if creds["password"] == "wrong" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				json.NewEncoder(w).Encode(map[string]any{
					"message": "validation failed",
					"errors":  map[string]string{"password": "incorrect password"},
				})
				return
			}
			b.mu.Lock()
			b.valid["A1-"+creds["username"]] = true
			b.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"success":      true,
				"accessToken":  "A1-" + creds["username"],
				"refreshToken": "R1-" + creds["username"],
				"user": map[string]string{
					"id":       creds["username"],
					"username": creds["username"],
					"name":     strings.ToUpper(creds["username"][:1]) + creds["username"][1:],
				},
			})

		case r.URL.Path == "/auth/refresh":
			b.refreshCalls.Add(1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if !strings.HasPrefix(body["refreshToken"], "R1-") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			b.mu.Lock()
			b.valid["A2"] = true
			b.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{
				"accessToken":  "A2",
				"refreshToken": "R2",
			})

		default:
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			b.mu.Lock()
			valid := b.valid[token]
			b.mu.Unlock()
			if !valid {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
		}
	})
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Retry = config.Retry{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}
	return cfg
}

func newTestClient(t *testing.T, backend *fakeBackend) (*client.Client, *credstore.MemoryStore) {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	store := credstore.NewMemoryStore()
	c, err := client.New(store, zerolog.Nop(), client.WithConfig(testConfig(server.URL)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, store
}

func TestLoginActivatesSession(t *testing.T) {
	backend := newFakeBackend()
	c, store := newTestClient(t, backend)

	session, err := c.Login(context.Background(), "alice", "p@ss")
	require.NoError(t, err)
	require.Equal(t, "alice", session.ID)
	require.Equal(t, "Alice", session.Profile.Name)

	active, ok := c.Sessions().Active()
	require.True(t, ok)
	require.Equal(t, "alice", active.ID)

	// The credential is persisted in the secure partition.
	v, err := store.Secure().Get(credstore.KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, "A1-alice", v)
}

func TestLoginValidationErrorSurfacesFieldDetail(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	require.Contains(t, err.Error(), "validation failed")
}

func TestAuthenticatedRequestCarriesBearer(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.Login(context.Background(), "alice", "p@ss")
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), transport.Request{Method: http.MethodGet, Endpoint: "/profile"})
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/profile"}`, string(resp.Body))
}

func TestExpiredTokenRefreshesEndToEnd(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.Login(context.Background(), "alice", "p@ss")
	require.NoError(t, err)

	// Revoke alice's token server-side; the next request 401s,
	// refreshes through /auth/refresh, and replays with the rotation.
	backend.revoke("A1-alice")

	resp, err := c.Do(context.Background(), transport.Request{Method: http.MethodGet, Endpoint: "/feed"})
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/feed"}`, string(resp.Body))
	require.EqualValues(t, 1, backend.refreshCalls.Load())
}

func TestLogoutIsIdempotentAndLocal(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.Login(context.Background(), "alice", "p@ss")
	require.NoError(t, err)
	loginHits := backend.hitCount("/auth/login")

	c.Logout()
	c.Logout()

	_, active := c.Sessions().Active()
	require.False(t, active)
	require.Empty(t, c.Sessions().List())

	// No extra network traffic from logging out twice.
	require.Equal(t, loginHits, backend.hitCount("/auth/login"))
	require.EqualValues(t, 0, backend.refreshCalls.Load())
}

func TestMultiAccountLoginAndSwitch(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.Login(context.Background(), "alice", "p@ss")
	require.NoError(t, err)
	_, err = c.Login(context.Background(), "bob", "hunter2")
	require.NoError(t, err)

	active, ok := c.Sessions().Active()
	require.True(t, ok)
	require.Equal(t, "bob", active.ID, "most recent login is active")
	require.Len(t, c.Sessions().List(), 2)

	// Switching back to alice reuses her stashed credential.
	session, err := c.Sessions().Switch(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", session.ID)

	resp, err := c.Do(context.Background(), transport.Request{Method: http.MethodGet, Endpoint: "/profile"})
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/profile"}`, string(resp.Body))
}

func TestClientSurvivesRestart(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	store := credstore.NewMemoryStore()
	first, err := client.New(store, zerolog.Nop(), client.WithConfig(testConfig(server.URL)))
	require.NoError(t, err)
	_, err = first.Login(context.Background(), "alice", "p@ss")
	require.NoError(t, err)
	first.Close()

	// A new client over the same store resumes the session without a
	// fresh login.
	second, err := client.New(store, zerolog.Nop(), client.WithConfig(testConfig(server.URL)))
	require.NoError(t, err)
	t.Cleanup(second.Close)

	active, ok := second.Sessions().Active()
	require.True(t, ok)
	require.Equal(t, "alice", active.ID)

	resp, err := second.Do(context.Background(), transport.Request{Method: http.MethodGet, Endpoint: "/profile"})
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/profile"}`, string(resp.Body))
}
