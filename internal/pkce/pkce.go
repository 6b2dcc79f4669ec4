// Package pkce generates the secrets for the OAuth2 PKCE extension
// (RFC 7636): the code verifier, its S256 challenge and the anti-CSRF
// state token.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

// Method is the only challenge method this client sends.
const Method = "S256"

const (
	// verifierBytes yields an 86-character verifier, inside the
	// 43..128 range RFC 7636 allows.
	verifierBytes = 64

	// stateBytes is the entropy of the state token.
	stateBytes = 24
)

// ErrEntropyUnavailable is returned when the secure random source
// cannot be read. There is no weaker fallback.
var ErrEntropyUnavailable = errors.New("secure random source unavailable")

// Generator draws PKCE secrets from a cryptographically secure reader.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a Generator reading from r. A nil r selects
// crypto/rand. Tests pass failing readers to check that generation
// fails closed.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}

	return &Generator{entropy: r}
}

// Verifier returns a new code verifier.
func (g *Generator) Verifier() (string, error) {
	return g.token(verifierBytes)
}

// State returns a new state token, independent of any verifier.
func (g *Generator) State() (string, error) {
	return g.token(stateBytes)
}

func (g *Generator) token(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.entropy, b); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

var defaultGenerator = NewGenerator(nil)

// GenerateVerifier returns a code verifier from crypto/rand.
func GenerateVerifier() (string, error) {
	return defaultGenerator.Verifier()
}

// GenerateState returns a state token from crypto/rand.
func GenerateState() (string, error) {
	return defaultGenerator.State()
}

// DeriveChallenge returns the S256 challenge for verifier: the
// unpadded base64url SHA-256 digest.
func DeriveChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
