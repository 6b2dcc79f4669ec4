// Package rest is a fluent query builder for PostgREST-style
// /rest/v1/<resource> endpoints. Every request is signed with the
// current session's access token, or the API key when signed out.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/transport"
)

// ErrNotSingle is returned by Single when the result is not exactly
// one row, and by MaybeSingle when it is more than one.
var ErrNotSingle = errors.New("query did not return exactly one row")

// TokenSource yields the bearer token for a request. *auth.Client
// satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
	ClientInfo string
	Timeout    time.Duration
}

// Client builds queries against one backend.
type Client struct {
	baseURL    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
	clientInfo string
	timeout    time.Duration
}

// NewClient returns a client for opts. BaseURL and APIKey are required.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: backend URL and API key are required", autherrors.ErrConfiguration)
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

	if opts.ClientInfo == "" {
		opts.ClientInfo = "pkce-session-go"
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		tokens:     opts.Tokens,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		clientInfo: opts.ClientInfo,
		timeout:    opts.Timeout,
	}, nil
}

// From starts a query against resource.
func (c *Client) From(resource string) *Query {
	return &Query{client: c, resource: resource, method: http.MethodGet}
}

// token resolves the bearer for one request.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return c.apiKey, nil
	}

	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving access token: %w", err)
	}

	if tok == "" {
		return c.apiKey, nil
	}

	return tok, nil
}
