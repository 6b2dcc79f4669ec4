// Package backend constructs the auth and REST clients for one backend
// configuration and reuses them while the configuration is unchanged.
package backend

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/pkce-session/internal/auth"
	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/flowstore"
	"github.com/alexjbarnes/pkce-session/internal/rest"
)

// Clients is the pair of clients built for one configuration.
type Clients struct {
	Signature string
	Auth      *auth.Client
	REST      *rest.Client
}

// Factory hands out Clients, rebuilding them only when the backend URL
// or API key changes.
type Factory struct {
	mu      sync.Mutex
	opts    auth.Options
	current *Clients
}

// NewFactory returns a factory that builds clients from opts. BaseURL
// and APIKey in opts are ignored; they come from each Get call.
func NewFactory(opts auth.Options) *Factory {
	if opts.Flows == nil {
		opts.Flows = flowstore.New(0)
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Factory{opts: opts}
}

// Signature identifies a backend configuration.
func Signature(baseURL, apiKey string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/") + "::" + strings.TrimSpace(apiKey)
}

// Get returns the clients for baseURL and apiKey. Missing values are a
// configuration error and nothing is built.
func (f *Factory) Get(baseURL, apiKey string) (*Clients, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: backend URL and API key are required", autherrors.ErrConfiguration)
	}

	sig := Signature(baseURL, apiKey)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil && f.current.Signature == sig {
		return f.current, nil
	}

	opts := f.opts
	opts.BaseURL = baseURL
	opts.APIKey = apiKey

	authClient, err := auth.New(opts)
	if err != nil {
		return nil, err
	}

	restClient, err := rest.NewClient(rest.Options{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Tokens:     authClient,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
		ClientInfo: opts.ClientInfo,
		Timeout:    opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	if f.current != nil {
		f.opts.Logger.Info("backend configuration changed, rebuilding clients", slog.String("url", authClient.BaseURL()))
	}

	f.current = &Clients{Signature: sig, Auth: authClient, REST: restClient}

	return f.current, nil
}
