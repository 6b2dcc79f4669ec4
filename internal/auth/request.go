package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/models"
	"github.com/alexjbarnes/pkce-session/internal/transport"
)

const (
	defaultExpiresIn = 3600
	defaultTokenType = "bearer"
)

// setHeaders applies the headers every /auth/v1 call carries.
func (c *Client) setHeaders(h http.Header, bearer string) {
	if bearer == "" {
		bearer = c.apiKey
	}

	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+bearer)
	h.Set("Accept", "application/json")
	h.Set("X-Client-Info", c.clientInfo)
}

// postJSON sends body to path under the auth base and returns the raw
// response. bearer defaults to the API key. A nil body sends none.
func (c *Client) postJSON(ctx context.Context, path, bearer string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.setHeaders(req.Header, bearer)
	req.Header.Set("Content-Type", "application/json")

	endpoint := endpointName(path)
	start := c.now()

	_, respBody, err := transport.Do(c.httpClient, req, endpoint)

	c.logger.Debug("auth request",
		slog.String("endpoint", endpoint),
		slog.Duration("elapsed", c.now().Sub(start)),
		slog.Bool("ok", err == nil),
	)

	if err != nil {
		return nil, err
	}

	return respBody, nil
}

// endpointName strips the query so error messages and logs never carry
// parameters.
func endpointName(path string) string {
	p, _, _ := strings.Cut(path, "?")
	return p
}

// normalizeSession builds a Session from a token response. expires_in
// defaults to an hour, expires_at to now plus expires_in, token_type to
// bearer and user to null.
func normalizeSession(body []byte, now time.Time) (*models.Session, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: token response is not valid JSON", autherrors.ErrSession)
	}

	r := gjson.ParseBytes(body)

	access := r.Get("access_token").String()
	if access == "" {
		return nil, fmt.Errorf("%w: token response did not include an access token", autherrors.ErrSession)
	}

	expiresIn := r.Get("expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	expiresAt := r.Get("expires_at").Int()
	if expiresAt <= 0 {
		expiresAt = now.Unix() + expiresIn
	}

	tokenType := r.Get("token_type").String()
	if tokenType == "" {
		tokenType = defaultTokenType
	}

	user := json.RawMessage("null")
	if u := r.Get("user"); u.Exists() && u.Raw != "" {
		user = json.RawMessage(u.Raw)
	}

	return &models.Session{
		AccessToken:          access,
		RefreshToken:         r.Get("refresh_token").String(),
		TokenType:            tokenType,
		ExpiresIn:            expiresIn,
		ExpiresAt:            expiresAt,
		User:                 user,
		ProviderToken:        r.Get("provider_token").String(),
		ProviderRefreshToken: r.Get("provider_refresh_token").String(),
	}, nil
}
