package transport

import (
	"net/http"
	"net/url"
	"time"
)

// Request is one logical API call.
type Request struct {
	Method   string
	Endpoint string // path under the base URL, e.g. "/profile"
	Params   url.Values
	Body     any // JSON-marshaled when non-nil
	Opts     Options
}

// Options tune a single request.
type Options struct {
	// Cache stores a successful GET response under its cache key and
	// serves it until the TTL elapses.
	Cache bool

	// NoAuth skips the bearer token. Used by login and registration.
	NoAuth bool

	// Timeout overrides the dispatcher's per-request timeout.
	Timeout time.Duration

	// InvalidatePrefix overrides the cache prefix invalidated when this
	// mutating request succeeds. Defaults to the request endpoint.
	InvalidatePrefix string
}

// Response is the normalized result of a dispatched call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (r Request) isRead() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

func (r Request) isMutation() bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (r Request) invalidationPrefix() string {
	if r.Opts.InvalidatePrefix != "" {
		return r.Opts.InvalidatePrefix
	}
	return r.Endpoint
}
