// Package flowstore holds the single pending PKCE attempt for this
// process. Nothing is written to disk: an attempt does not survive a
// restart, which is what separates it from the durable session store.
package flowstore

import (
	"sync"
	"time"

	"github.com/alexjbarnes/pkce-session/internal/models"
)

// DefaultTTL bounds how long a pending attempt can be redeemed.
const DefaultTTL = 10 * time.Minute

// Store is a single-slot, mutex-protected holder for a PkceAttempt.
type Store struct {
	mu      sync.Mutex
	attempt *models.PkceAttempt
	ttl     time.Duration
	now     func() time.Time
}

// New returns an empty store. A ttl of zero or less selects DefaultTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{ttl: ttl, now: time.Now}
}

// Save stores attempt, discarding any previous one.
func (s *Store) Save(attempt models.PkceAttempt) {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.attempt = &attempt
	s.mu.Unlock()
}

// Read returns a copy of the pending attempt. An expired attempt is
// dropped and reported as absent.
func (s *Store) Read() (models.PkceAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt == nil {
		return models.PkceAttempt{}, false
	}

	if s.now().Sub(s.attempt.CreatedAt) > s.ttl {
		s.attempt = nil
		return models.PkceAttempt{}, false
	}

	return *s.attempt, true
}

// Clear removes the pending attempt.
func (s *Store) Clear() {
	s.mu.Lock()
	s.attempt = nil
	s.mu.Unlock()
}
