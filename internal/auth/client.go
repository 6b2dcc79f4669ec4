// Package auth is the OAuth2 Authorization-Code-with-PKCE client. It
// builds the authorize redirect, redeems the returned code, keeps the
// session fresh ahead of expiry and revokes it on sign-out. State
// transitions are published to subscribers as models.AuthEvent values.
package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/events"
	"github.com/alexjbarnes/pkce-session/internal/flowstore"
	"github.com/alexjbarnes/pkce-session/internal/models"
	"github.com/alexjbarnes/pkce-session/internal/pkce"
	"github.com/alexjbarnes/pkce-session/internal/session"
	"github.com/alexjbarnes/pkce-session/internal/transport"
)

const (
	// RefreshMargin is how far ahead of expiry a session is refreshed.
	RefreshMargin = 60 * time.Second

	// GrantPKCE redeems the code with a JSON body at the GoTrue token endpoint.
	GrantPKCE = "pkce"

	// GrantAuthorizationCode redeems the code with a standard RFC 6749
	// form post.
	GrantAuthorizationCode = "authorization_code"

	defaultClientInfo = "pkce-session-go"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. https://abc.supabase.co.
	BaseURL string
	// APIKey is the public anon key sent with every request.
	APIKey string

	HTTPClient *http.Client
	// Backend persists the session. Nil keeps it in memory only.
	Backend        session.Backend
	PersistSession bool
	AutoRefresh    bool
	// Flows holds the pending attempt. Nil creates a private store.
	Flows  *flowstore.Store
	Logger *slog.Logger

	// GrantType is GrantPKCE (default) or GrantAuthorizationCode.
	GrantType string
	// ClientID is sent with GrantAuthorizationCode exchanges.
	ClientID string

	// Timeout bounds every request, including detached refreshes.
	Timeout    time.Duration
	ClientInfo string

	// Now and Entropy are overridable for tests.
	Now     func() time.Time
	Entropy io.Reader
}

// Client talks to the /auth/v1 endpoints of the backend.
type Client struct {
	baseURL    string
	apiKey     string
	clientInfo string
	grantType  string
	clientID   string

	httpClient  *http.Client
	timeout     time.Duration
	autoRefresh bool

	sessions *session.Store
	flows    *flowstore.Store
	events   *events.Emitter[models.AuthEvent]
	secrets  *pkce.Generator
	logger   *slog.Logger
	now      func() time.Time

	// refreshes coalesces concurrent refreshes of the same token.
	refreshes singleflight.Group
}

// New returns a client for opts. BaseURL and APIKey are required.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: backend URL and API key are required", autherrors.ErrConfiguration)
	}

	grant := opts.GrantType
	switch grant {
	case "":
		grant = GrantPKCE
	case GrantPKCE, GrantAuthorizationCode:
	default:
		return nil, fmt.Errorf("%w: unsupported token grant type %q", autherrors.ErrConfiguration, grant)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = transport.DefaultTimeout
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = transport.NewClient(opts.Timeout)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Flows == nil {
		opts.Flows = flowstore.New(0)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.ClientInfo == "" {
		opts.ClientInfo = defaultClientInfo
	}

	return &Client{
		baseURL:     baseURL,
		apiKey:      opts.APIKey,
		clientInfo:  opts.ClientInfo,
		grantType:   grant,
		clientID:    opts.ClientID,
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,
		autoRefresh: opts.AutoRefresh,
		sessions:    session.NewStore(opts.Backend, baseURL, opts.PersistSession, opts.Logger),
		flows:       opts.Flows,
		events:      events.New[models.AuthEvent](opts.Logger),
		secrets:     pkce.NewGenerator(opts.Entropy),
		logger:      opts.Logger,
		now:         opts.Now,
	}, nil
}

// BaseURL returns the normalized backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// APIKey returns the public API key.
func (c *Client) APIKey() string { return c.apiKey }

// OnAuthStateChange registers fn for every auth event and returns a
// function that unregisters it.
func (c *Client) OnAuthStateChange(fn func(models.AuthEvent)) func() {
	return c.events.Subscribe(fn)
}

// AccessToken returns the bearer token for signed requests: the
// current session's access token, or the API key when signed out. A
// failed refresh still yields the stale token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	sess, err := c.GetSession(ctx)
	if sess != nil {
		return sess.AccessToken, nil
	}

	if err != nil {
		return "", err
	}

	return c.apiKey, nil
}

// recoverPanic converts a panic inside a public operation into an error.
func (c *Client) recoverPanic(op string, errp *error) {
	if r := recover(); r != nil {
		c.logger.Error("auth operation panicked", slog.String("op", op), slog.Any("panic", r))
		*errp = fmt.Errorf("%s: unexpected error: %v", op, r)
	}
}
