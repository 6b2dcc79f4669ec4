package models

// AuthEventKind names a session state transition.
type AuthEventKind string

const (
	SignedIn       AuthEventKind = "SIGNED_IN"
	SignedOut      AuthEventKind = "SIGNED_OUT"
	TokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
)

// AuthEvent is delivered to auth state subscribers. Session is nil for
// SignedOut.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
	Err     error
}
