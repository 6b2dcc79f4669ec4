package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/models"
	"github.com/alexjbarnes/pkce-session/internal/pkce"
)

// AuthorizeRequest is where to send the user to start sign-in.
type AuthorizeRequest struct {
	URL      string
	Provider string
	State    string
}

// BuildAuthorizeRequest starts a sign-in with provider that will return
// to redirectTo. It records a new PKCE attempt, replacing any pending
// one, and returns the authorize URL. It does not navigate.
func (c *Client) BuildAuthorizeRequest(ctx context.Context, provider, redirectTo string) (req *AuthorizeRequest, err error) {
	defer c.recoverPanic("building authorize request", &err)

	provider = strings.TrimSpace(provider)
	redirectTo = strings.TrimSpace(redirectTo)

	if provider == "" {
		return nil, autherrors.ErrMissingProvider
	}

	if redirectTo == "" {
		return nil, autherrors.ErrMissingRedirect
	}

	verifier, err := c.secrets.Verifier()
	if err != nil {
		return nil, fmt.Errorf("generating code verifier: %w", err)
	}

	state, err := c.secrets.State()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating attempt id: %w", err)
	}

	attempt := models.PkceAttempt{
		ID:            id.String(),
		CodeVerifier:  verifier,
		CodeChallenge: pkce.DeriveChallenge(verifier),
		State:         state,
		RedirectTo:    redirectTo,
		CreatedAt:     c.now(),
	}

	q := url.Values{}
	q.Set("provider", provider)
	q.Set("redirect_to", redirectTo)
	q.Set("response_type", "code")
	q.Set("code_challenge", attempt.CodeChallenge)
	q.Set("code_challenge_method", pkce.Method)
	q.Set("state", state)
	q.Set("flow_type", "pkce")

	c.flows.Save(attempt)

	c.logger.Debug("authorize request built",
		slog.String("attempt", attempt.ID),
		slog.String("provider", provider),
		slog.String("redirect_to", redirectTo),
	)

	return &AuthorizeRequest{
		URL:      c.baseURL + "/auth/v1/authorize?" + q.Encode(),
		Provider: provider,
		State:    state,
	}, nil
}
