package idptest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTokenTTL = time.Hour

// User is the identity every successful sign-in resolves to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Options configures a Server.
type Options struct {
	// APIKey is the publishable key every request must carry in the
	// apikey header.
	APIKey string

	// ClientID, when set, must accompany authorization_code grants.
	ClientID string

	User     User
	TokenTTL time.Duration

	// FragmentResponse returns code and state in the redirect fragment
	// instead of the query string.
	FragmentResponse bool

	// DenyAuthorize makes the authorize endpoint redirect back with
	// error=access_denied.
	DenyAuthorize bool

	Logger *slog.Logger
}

// Server is the fake backend. Mount Handler on an httptest.Server.
type Server struct {
	opts   Options
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]*table

	// lastAuthorize holds the query of the most recent authorize call.
	lastAuthorize map[string]string
}

// New creates a Server. Call Close when done.
func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}

	if opts.User.ID == "" {
		opts.User.ID = uuid.NewString()
	}

	if opts.User.Email == "" {
		opts.User.Email = "runner@example.com"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		opts:   opts,
		store:  NewStore(),
		logger: logger,
		tables: make(map[string]*table),
	}
}

// Close stops background work.
func (s *Server) Close() {
	s.store.Stop()
}

// Store exposes the auth state for assertions.
func (s *Server) Store() *Store {
	return s.store
}

// User returns the identity issued tokens belong to.
func (s *Server) User() User {
	return s.opts.User
}

// LastAuthorize returns the query parameters of the most recent
// authorize request, or nil if there was none.
func (s *Server) LastAuthorize() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastAuthorize == nil {
		return nil
	}

	out := make(map[string]string, len(s.lastAuthorize))
	for k, v := range s.lastAuthorize {
		out[k] = v
	}

	return out
}

// Handler builds the HTTP mux.
func (s *Server) Handler() http.Handler {
	keyed := requireAPIKey(s.opts.APIKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/v1/authorize", s.handleAuthorize)
	mux.Handle("POST /auth/v1/token", keyed(http.HandlerFunc(s.handleToken)))
	mux.Handle("POST /auth/v1/logout", keyed(s.bearer(http.HandlerFunc(s.handleLogout))))
	mux.Handle("/rest/v1/{table}", keyed(s.bearer(http.HandlerFunc(s.handleREST))))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
