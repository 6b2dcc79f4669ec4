// Package session is the durable session store. It keeps the current
// session in memory after the first read and persists it to a Backend
// under a key namespaced by the identity-provider host, so clients for
// different backends never see each other's sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/alexjbarnes/pkce-session/internal/models"
)

const (
	keyPrefix   = "pkce-session:auth:session:"
	unknownHost = "unknown-host"
)

// Backend stores raw bytes by key. Get returns nil, nil for a missing key.
// *state.State satisfies it.
type Backend interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Key returns the storage key for sessions issued by baseURL.
func Key(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return keyPrefix + unknownHost
	}

	return keyPrefix + u.Host
}

// Store memoizes one session and optionally persists it.
type Store struct {
	backend Backend
	key     string
	persist bool
	logger  *slog.Logger

	mu      sync.Mutex
	loaded  bool
	current *models.Session
}

// NewStore returns a store for sessions from baseURL. With persist
// false, or a nil backend, the session lives only in memory.
func NewStore(backend Backend, baseURL string, persist bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		backend: backend,
		key:     Key(baseURL),
		persist: persist && backend != nil,
		logger:  logger,
	}
}

// Key returns the storage key this store writes under.
func (s *Store) Key() string { return s.key }

// Read returns a copy of the current session, or nil when there is none.
// A record that cannot be read or decoded is treated as no session.
func (s *Store) Read(_ context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.current.Clone(), nil
	}

	s.loaded = true

	if !s.persist {
		return nil, nil
	}

	data, err := s.backend.Get(s.key)
	if err != nil {
		s.logger.Warn("reading stored session failed, treating as signed out", slog.String("key", s.key), slog.Any("error", err))
		return nil, nil
	}

	if data == nil {
		return nil, nil
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil || sess.AccessToken == "" {
		s.logger.Warn("stored session is corrupt, ignoring", slog.String("key", s.key))
		return nil, nil
	}

	s.current = &sess

	return s.current.Clone(), nil
}

// Save replaces the current session. A nil session clears both the
// memoized copy and the persisted record.
func (s *Store) Save(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = sess.Clone()
	s.loaded = true

	if !s.persist {
		return nil
	}

	if sess == nil {
		if err := s.backend.Delete(s.key); err != nil {
			return fmt.Errorf("clearing stored session: %w", err)
		}

		return nil
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := s.backend.Put(s.key, data); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}
