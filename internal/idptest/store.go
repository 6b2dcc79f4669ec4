// Package idptest is an in-memory stand-in for a hosted auth and REST
// backend. It issues PKCE authorization codes, redeems them at a token
// endpoint, rotates refresh tokens and serves a small PostgREST-style
// table API. All state is in-memory and lost when the Server stops.
package idptest

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthCode is a pending authorization code.
type AuthCode struct {
	Code          string
	Provider      string
	RedirectTo    string
	CodeChallenge string
	UserID        string
	ExpiresAt     time.Time
}

// TokenInfo is an issued access token and its paired refresh token.
type TokenInfo struct {
	Token        string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

const (
	codeExpiry = 5 * time.Minute

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute
)

// Store holds all in-memory auth state.
type Store struct {
	mu       sync.RWMutex
	codes    map[string]*AuthCode  // code -> AuthCode
	tokens   map[string]*TokenInfo // access token -> TokenInfo
	refresh  map[string]*TokenInfo // refresh token -> TokenInfo
	grants   map[string]int        // grant_type -> successful redemptions
	revoked  int
	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewStore creates an empty store and starts a background goroutine
// that periodically removes expired tokens and codes. Call Stop to
// clean up the goroutine.
func NewStore() *Store {
	s := &Store{
		codes:   make(map[string]*AuthCode),
		tokens:  make(map[string]*TokenInfo),
		refresh: make(map[string]*TokenInfo),
		grants:  make(map[string]int),
		stopGC:  make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes expired codes and access tokens. Refresh tokens
// outlive their access token and are only removed on rotation or
// revocation.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}

	for k, ti := range s.tokens {
		if now.After(ti.ExpiresAt) {
			delete(s.tokens, k)
		}
	}
}

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code.
// Returns nil if not found or expired.
func (s *Store) ConsumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if time.Now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

// PendingCodes returns the number of unredeemed codes.
func (s *Store) PendingCodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.codes)
}

// SaveToken stores an access token and indexes its refresh token.
func (s *Store) SaveToken(ti *TokenInfo) {
	s.mu.Lock()
	s.tokens[ti.Token] = ti
	if ti.RefreshToken != "" {
		s.refresh[ti.RefreshToken] = ti
	}
	s.mu.Unlock()
}

// ValidateToken checks if a token is valid and not expired.
// Returns nil if invalid.
func (s *Store) ValidateToken(token string) *TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.tokens[token]
	if !ok {
		return nil
	}

	if time.Now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// ConsumeRefresh retrieves and deletes a refresh token. The access
// token it was issued with is revoked as well. Returns nil if unknown.
func (s *Store) ConsumeRefresh(token string) *TokenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.refresh[token]
	if !ok {
		return nil
	}

	delete(s.refresh, token)
	delete(s.tokens, ti.Token)

	return ti
}

// RevokeUser deletes every token issued to userID and returns how
// many access tokens were removed.
func (s *Store) RevokeUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for k, ti := range s.tokens {
		if ti.UserID == userID {
			delete(s.tokens, k)
			n++
		}
	}

	for k, ti := range s.refresh {
		if ti.UserID == userID {
			delete(s.refresh, k)
		}
	}

	s.revoked += n

	return n
}

// Revoked returns the total number of access tokens removed by logout.
func (s *Store) Revoked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.revoked
}

func (s *Store) recordGrant(grantType string) {
	s.mu.Lock()
	s.grants[grantType]++
	s.mu.Unlock()
}

// Grants returns how many times grantType was successfully redeemed.
func (s *Store) Grants(grantType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.grants[grantType]
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
