// Package apierror defines the normalized error shape that crosses the
// client core's API boundary. Internal layers wrap errors freely; before
// an error reaches a caller it is converted to *Error so callers never
// branch on transport-specific shapes.
package apierror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy: retry-eligible kinds
// are retried internally and only surfaced after the retry budget is
// exhausted; terminal kinds surface immediately.
type Kind string

const (
	// KindNotAuthenticated means no usable credential exists.
	KindNotAuthenticated Kind = "not_authenticated"

	// KindRefreshFailed means the token refresh call was rejected or
	// exhausted its retries. Terminal for the current session.
	KindRefreshFailed Kind = "refresh_failed"

	// KindNetworkTransient covers timeouts and connection failures.
	KindNetworkTransient Kind = "network_transient"

	// KindRateLimited is an HTTP 429.
	KindRateLimited Kind = "rate_limited"

	// KindServerError is an HTTP 5xx.
	KindServerError Kind = "server_error"

	// KindValidation is any 4xx other than 401/429. Never retried; field
	// details are preserved for the caller.
	KindValidation Kind = "validation"

	// KindSessionNotFound means the session registry has no entry for
	// the requested account.
	KindSessionNotFound Kind = "session_not_found"

	// KindSwitchFailed means an account switch could not complete.
	KindSwitchFailed Kind = "switch_failed"

	// KindCancelled means the caller's context was cancelled or its
	// deadline passed before the operation finished retrying.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether errors of this kind are eligible for the
// dispatcher's backoff retry loop.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkTransient, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// Error is the single error shape leaving the core.
type Error struct {
	Kind    Kind
	Message string
	// Details carries field-level validation messages when the backend
	// provides them, keyed by field name.
	Details map[string]string
	// StatusCode is the originating HTTP status, when there was one.
	StatusCode int

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the error is eligible for retry.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// New creates an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error of the given kind with an underlying cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// FromStatus maps an HTTP status code to the error kind the propagation
// policy assigns it. 2xx statuses map to no error and return nil.
func FromStatus(status int, message string) *Error {
	if status < 300 {
		return nil
	}
	e := &Error{Message: message, StatusCode: status}
	switch {
	case status == 401:
		e.Kind = KindNotAuthenticated
	case status == 429:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindServerError
	default:
		e.Kind = KindValidation
	}
	return e
}

// KindOf extracts the Kind from any error in the chain, or "" when the
// error is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// Is reports whether any error in err's chain is an *Error of the given
// kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
