// -----------------------------------------------------------------------
// Error taxonomy - typed errors surfaced across component boundaries
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an error for propagation and HTTP mapping.
type ErrorKind string

const (
	// ErrInvalidRequest is malformed input or a schema violation. Not
	// retryable.
	ErrInvalidRequest ErrorKind = "invalid_request"
	// ErrUnauthenticated is a missing, unknown, or expired credential.
	ErrUnauthenticated ErrorKind = "unauthenticated"
	// ErrUnauthorized is a valid credential lacking the required role.
	ErrUnauthorized ErrorKind = "unauthorized"
	// ErrRateLimited is a quota exceed; carries a retry-after hint.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrNotFound is a missing resource.
	ErrNotFound ErrorKind = "not_found"
	// ErrConflict is an idempotency or version conflict; the caller may
	// retry against current state.
	ErrConflict ErrorKind = "conflict"
	// ErrRetryableBackend is a transient store/bus failure, retried
	// locally before escalating to ErrUnavailable.
	ErrRetryableBackend ErrorKind = "retryable_backend"
	// ErrUnavailable means a component is degraded; callers should retry
	// later. Flips the readiness indicator.
	ErrUnavailable ErrorKind = "unavailable"
	// ErrInternal is an unexpected invariant violation, logged with full
	// context and surfaced opaquely.
	ErrInternal ErrorKind = "internal"
)

// Error is the typed error crossing component boundaries. TraceID is
// stamped by the HTTP layer; RetryAfter accompanies rate_limited.
type Error struct {
	Kind       ErrorKind              `json:"error"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	RetryAfter time.Duration          `json:"-"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a typed error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind and message.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// RateLimitedError builds a rate_limited error carrying the retry hint.
func RateLimitedError(retryAfter time.Duration) *Error {
	e := NewError(ErrRateLimited, "request quota exceeded")
	e.RetryAfter = retryAfter
	return e
}

// KindOf extracts the taxonomy kind from any error; unknown errors are
// internal.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a local retry is worthwhile.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrRetryableBackend, ErrUnavailable:
		return true
	}
	return false
}
