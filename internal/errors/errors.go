// Package errors defines the error taxonomy shared by the auth client,
// the callback reconciler and the REST query builder.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Categories. Every error returned across a package boundary wraps
// exactly one of these.
var (
	// ErrConfiguration means backend credentials or URLs are missing.
	// Raised before any network call.
	ErrConfiguration = errors.New("configuration error")

	// ErrProtocol covers the CSRF and integrity checks of the PKCE flow.
	// No network call has been made when it is returned.
	ErrProtocol = errors.New("protocol error")

	// ErrNetwork is a transport failure or a non-success HTTP status.
	ErrNetwork = errors.New("network error")

	// ErrSession means an exchange or refresh completed without
	// yielding a usable session.
	ErrSession = errors.New("session error")
)

// Protocol errors.
var (
	ErrStateMismatch   = fmt.Errorf("%w: oauth state mismatch", ErrProtocol)
	ErrMissingVerifier = fmt.Errorf("%w: missing PKCE code verifier for token exchange", ErrProtocol)
	ErrMissingCode     = fmt.Errorf("%w: no authorization code found", ErrProtocol)
	ErrMissingProvider = fmt.Errorf("%w: oauth provider is required", ErrProtocol)
	ErrMissingRedirect = fmt.Errorf("%w: redirect target is required for oauth sign-in", ErrProtocol)
)

// ErrNoSession is returned when an operation needs a signed-in user.
var ErrNoSession = fmt.Errorf("%w: no active session", ErrSession)

// HTTPError is a non-success response from the auth or REST backend.
// Message holds the server-provided description when one was present,
// otherwise the HTTP status text.
type HTTPError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Endpoint, e.Status, e.Message)
}

// Unwrap reports the error as a network error.
func (e *HTTPError) Unwrap() error { return ErrNetwork }

// Transient reports whether the status indicates a temporary
// server-side problem worth retrying.
func (e *HTTPError) Transient() bool {
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// TransientError wraps a transport failure (timeout, connection
// refused, DNS) that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transport wraps a failure to reach endpoint as a transient network error.
func Transport(endpoint string, err error) error {
	return &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", ErrNetwork, endpoint, err)}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError or an HTTPError with a retryable status.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var he *HTTPError

	return errors.As(err, &he) && he.Transient()
}

// Message returns the user-facing description of err: the server
// message for an HTTPError, otherwise err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}

	var he *HTTPError
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}

	return err.Error()
}
