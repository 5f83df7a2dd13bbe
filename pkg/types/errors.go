package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the flat taxonomy of bridge failures. Kinds decide retry
// and surfacing behaviour; callers switch on kind, not on concrete types.
type ErrorKind string

const (
	// ErrValidation: caller provided something malformed. Never retried.
	ErrValidation ErrorKind = "VALIDATION"
	// ErrUpstreamTransient: network, timeout, HTTP 5xx or 429. Retryable.
	ErrUpstreamTransient ErrorKind = "UPSTREAM_TRANSIENT"
	// ErrUpstreamPermanent: HTTP 4xx (except 429) or a non-success
	// envelope code. Surfaced immediately with endpoint and body.
	ErrUpstreamPermanent ErrorKind = "API_ERROR"
	// ErrQuoteExpired: deadline in the past at point of use.
	ErrQuoteExpired ErrorKind = "QUOTE_EXPIRED"
	// ErrInvalidState: a lifecycle transition not allowed from the
	// quote's current state.
	ErrInvalidState ErrorKind = "INVALID_STATE"
	// ErrSessionProtocol: FIX-level violation (checksum, seq, msg type).
	ErrSessionProtocol ErrorKind = "SESSION_PROTOCOL"
	// ErrTimeout: an operation exceeded its configured deadline.
	ErrTimeout ErrorKind = "TIMEOUT"
	// ErrConfig: missing or inconsistent configuration. Fatal at startup.
	ErrConfig ErrorKind = "CONFIG"
	// ErrNotFound: a referenced entity does not exist.
	ErrNotFound ErrorKind = "NOT_FOUND"
)

// BridgeError is the single structured error type used across components.
type BridgeError struct {
	Kind     ErrorKind
	Msg      string
	Endpoint string // set for upstream API errors
	Body     string // response body for upstream API errors
	Err      error  // wrapped cause, may be nil
}

func (e *BridgeError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s: %s (endpoint=%s)", e.Kind, e.Msg, e.Endpoint)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// NewError creates a BridgeError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *BridgeError {
	return &BridgeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause under a kind.
func WrapError(kind ErrorKind, err error, format string, args ...any) *BridgeError {
	return &BridgeError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unknown errors map
// to ErrUpstreamTransient so the retry policy stays conservative for
// plain network failures.
func KindOf(err error) ErrorKind {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrUpstreamTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
