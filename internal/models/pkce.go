package models

import "time"

// PkceAttempt is the in-progress sign-in held between building the
// authorize redirect and exchanging the returned code.
type PkceAttempt struct {
	// ID correlates log lines for one attempt. It is not a secret.
	ID            string    `json:"id"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	State         string    `json:"state"`
	RedirectTo    string    `json:"redirect_to"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExchangeInput identifies the authorization code to redeem: either a
// full redirect URL, or an explicit code with an optional state. When
// both are set, Code and State take precedence over the URL.
type ExchangeInput struct {
	URL   string
	Code  string
	State string
}
