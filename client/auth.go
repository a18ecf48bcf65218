package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/perchsocial/go-client/apierror"
	"github.com/perchsocial/go-client/credential"
	"github.com/perchsocial/go-client/internal/utils"
	"github.com/perchsocial/go-client/realtime"
	"github.com/perchsocial/go-client/sessions"
	"github.com/perchsocial/go-client/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// userPayload is the account shape login, registration, and the
// session-credential endpoints all return.
type userPayload struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

func (u userPayload) session() sessions.Session {
	return sessions.Session{
		ID: u.ID,
		Profile: sessions.Profile{
			Username:  u.Username,
			Name:      u.Name,
			AvatarURL: u.AvatarURL,
		},
	}
}

type authResponse struct {
	Success      bool        `json:"success"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         userPayload `json:"user"`
}

// Login authenticates with username and password. On success the
// account joins the session registry and becomes active.
func (c *Client) Login(ctx context.Context, username, password string) (*sessions.Session, error) {
	return c.authenticate(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
}

// Register creates a new account and signs into it.
func (c *Client) Register(ctx context.Context, username, password, name string) (*sessions.Session, error) {
	return c.authenticate(ctx, "/auth/register", map[string]string{
		"username": username,
		"password": password,
		"name":     name,
	})
}

func (c *Client) authenticate(ctx context.Context, endpoint string, body map[string]string) (*sessions.Session, error) {
	resp, err := c.dispatcher.Do(ctx, transport.Request{
		Method:   http.MethodPost,
		Endpoint: endpoint,
		Body:     body,
		Opts:     transport.Options{NoAuth: true},
	})
	if err != nil {
		return nil, err
	}

	var decoded authResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, apierror.Wrap(err, apierror.KindServerError, "malformed auth response")
	}
	if !decoded.Success || decoded.AccessToken == "" {
		return nil, apierror.New(apierror.KindNotAuthenticated, "authentication rejected")
	}

	session := decoded.User.session()
	cred := credential.Credential{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
	}

	if err := c.registry.Add(session, cred); err != nil {
		return nil, errors.Wrap(err, "[Client.authenticate] add session")
	}
	active, err := c.registry.Switch(ctx, session.ID)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.authenticate] activate session")
	}

	c.log.Info().Str("session", session.ID).Msg("signed in")
	return active, nil
}

// Logout signs the active session out locally. Idempotent: a second
// call is a no-op with no network traffic.
func (c *Client) Logout() {
	c.registry.Logout()
}

// apiRefresher performs the backend refresh call. It deliberately
// bypasses the dispatcher: the dispatcher's own 401 handling depends on
// this call, and routing it back through would recurse.
type apiRefresher struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

var _ credential.Refresher = (*apiRefresher)(nil)

// refreshResponse carries the rotated pair. The backend may omit the
// refresh token, in which case the old one stays valid.
type refreshResponse struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken *string `json:"refreshToken"`
}

func (r *apiRefresher) Refresh(ctx context.Context, refreshToken string) (*credential.Credential, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, errors.Wrap(err, "[apiRefresher.Refresh] marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[apiRefresher.Refresh] build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindNetworkTransient, "refresh call failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindNetworkTransient, "reading refresh response")
	}
	if apiErr := apierror.FromStatus(resp.StatusCode, http.StatusText(resp.StatusCode)); apiErr != nil {
		return nil, apiErr
	}

	var decoded refreshResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apierror.Wrap(err, apierror.KindServerError, "malformed refresh response")
	}
	if decoded.AccessToken == "" {
		return nil, apierror.New(apierror.KindServerError, "refresh response missing access token")
	}

	rotated := refreshToken
	if utils.Value(decoded.RefreshToken) != "" {
		rotated = utils.Value(decoded.RefreshToken)
	}
	return &credential.Credential{AccessToken: decoded.AccessToken, RefreshToken: rotated}, nil
}

// sessionSource fetches fresh credential and profile data for a linked
// account during a switch. The call runs under the outgoing session's
// token; the backend authorizes it for accounts linked to the device.
type sessionSource struct {
	dispatcher *transport.Dispatcher
}

var _ sessions.CredentialSource = (*sessionSource)(nil)

func (s *sessionSource) Credentials(ctx context.Context, userID string) (*credential.Credential, *sessions.Profile, error) {
	resp, err := s.dispatcher.Do(ctx, transport.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/sessions/" + userID + "/credentials",
	})
	if err != nil {
		return nil, nil, err
	}

	var decoded authResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, nil, apierror.Wrap(err, apierror.KindServerError, "malformed session credentials response")
	}
	if !decoded.Success || decoded.AccessToken == "" {
		return nil, nil, apierror.New(apierror.KindSwitchFailed, "no credentials issued for session")
	}

	profile := decoded.User.session().Profile
	return &credential.Credential{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
	}, &profile, nil
}

// pollSource is the realtime channel's alternate transport: a one-shot
// authenticated poll through the dispatcher.
type pollSource struct {
	dispatcher *transport.Dispatcher
}

var _ realtime.Poller = (*pollSource)(nil)

func (p *pollSource) Poll(ctx context.Context) ([]realtime.Message, error) {
	resp, err := p.dispatcher.Do(ctx, transport.Request{
		Method:   http.MethodGet,
		Endpoint: "/realtime/poll",
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Messages []realtime.Message `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, apierror.Wrap(err, apierror.KindServerError, "malformed poll response")
	}
	return decoded.Messages, nil
}
