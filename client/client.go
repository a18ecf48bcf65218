// Package client wires the session and API-client subsystem together:
// credential store, token lifecycle manager, request dispatcher,
// response cache, batch coalescer, session registry, and realtime
// channel. The UI layer talks to the core exclusively through a Client.
package client

import (
	"context"
	"net/http"

	"github.com/perchsocial/go-client/credential"
	"github.com/perchsocial/go-client/credstore"
	"github.com/perchsocial/go-client/events"
	"github.com/perchsocial/go-client/internal/config"
	"github.com/perchsocial/go-client/realtime"
	"github.com/perchsocial/go-client/respcache"
	"github.com/perchsocial/go-client/sessions"
	"github.com/perchsocial/go-client/transport"
	"github.com/perchsocial/go-client/transport/batch"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Client is the facade over the session and API-client core.
type Client struct {
	cfg        *config.Config
	store      credstore.Store
	bus        *events.Bus
	creds      *credential.Manager
	cache      *respcache.Cache
	dispatcher *transport.Dispatcher
	registry   *sessions.Registry
	coalescer  *batch.Coalescer
	channel    *realtime.Channel
	log        zerolog.Logger

	httpClient *http.Client
	cacheOpts  []respcache.Option
}

// Option modifies a Client before wiring.
type Option func(*Client)

// WithConfig overrides the environment-derived configuration.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithHTTPClient replaces the HTTP client used by the dispatcher and
// the refresh call.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCacheOptions forwards options to the response cache (primarily
// for testing with a fake clock).
func WithCacheOptions(opts ...respcache.Option) Option {
	return func(c *Client) {
		c.cacheOpts = opts
	}
}

// New creates a fully wired Client. Configuration comes from the
// environment unless WithConfig overrides it; persisted credentials and
// sessions in the store are loaded immediately.
func New(store credstore.Store, log zerolog.Logger, options ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("[client.New] store is required")
	}

	c := &Client{
		store:      store,
		log:        log,
		httpClient: &http.Client{},
	}
	for _, opt := range options {
		opt(c)
	}

	if c.cfg == nil {
		cfg, err := config.New()
		if err != nil {
			return nil, errors.Wrap(err, "[client.New] load config")
		}
		c.cfg = cfg
	}

	c.bus = events.NewBus(log)

	refresher := &apiRefresher{baseURL: c.cfg.BaseURL, client: c.httpClient, log: log}
	creds, err := credential.NewManager(refresher, store.Secure(), c.bus, log,
		credential.WithRefreshMargin(c.cfg.Auth.RefreshMargin),
		credential.WithRefreshRetryPolicy(c.cfg.Auth.RefreshRetries, c.cfg.Retry.InitialDelay, c.cfg.Retry.MaxDelay),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] credential manager")
	}
	c.creds = creds

	c.cache = respcache.New(c.cfg.Cache.TTL, c.cfg.Cache.MaxEntries, c.cacheOpts...)

	dispatcher, err := transport.NewDispatcher(c.cfg.BaseURL, creds, c.cache, log,
		transport.WithHTTPClient(c.httpClient),
		transport.WithRetryPolicy(c.cfg.Retry),
		transport.WithRequestTimeout(c.cfg.RequestTimeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] dispatcher")
	}
	c.dispatcher = dispatcher

	registry, err := sessions.NewRegistry(store, creds, c.cache, c.bus, &sessionSource{dispatcher: dispatcher}, log)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] session registry")
	}
	c.registry = registry

	coalescer, err := batch.New(dispatcher, c.cfg.Batch.Window, c.cfg.Batch.MaxPerCall, log)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] batch coalescer")
	}
	c.coalescer = coalescer

	channel, err := realtime.New(c.cfg.RealtimeURL, creds, c.bus, log,
		realtime.WithRetryPolicy(c.cfg.Retry),
		realtime.WithPoller(&pollSource{dispatcher: dispatcher}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] realtime channel")
	}
	c.channel = channel

	return c, nil
}

// Do dispatches one API request through the resilient pipeline.
func (c *Client) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return c.dispatcher.Do(ctx, req)
}

// BatchRead enqueues a read into the current coalescing window.
func (c *Client) BatchRead(ctx context.Context, read batch.Read) <-chan batch.Result {
	return c.coalescer.Enqueue(ctx, read)
}

// Events exposes the notification bus the UI subscribes to.
func (c *Client) Events() *events.Bus {
	return c.bus
}

// Sessions exposes the session registry.
func (c *Client) Sessions() *sessions.Registry {
	return c.registry
}

// Realtime exposes the realtime channel.
func (c *Client) Realtime() *realtime.Channel {
	return c.channel
}

// Close shuts down long-lived resources.
func (c *Client) Close() {
	c.channel.Close()
}
