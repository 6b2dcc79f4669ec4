package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/alexjbarnes/pkce-session/internal/callback"
	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/logging"
	"github.com/alexjbarnes/pkce-session/internal/models"
)

const tokenPath = "/auth/v1/token"

// pkceGrantRequest is the JSON body of a grant_type=pkce exchange.
type pkceGrantRequest struct {
	AuthCode     string `json:"auth_code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectTo   string `json:"redirect_to,omitempty"`
}

// ExchangeCodeForSession redeems an authorization code for a session
// using the pending PKCE attempt. The attempt is consumed whatever the
// outcome. State mismatches and a missing verifier are rejected before
// any network call.
func (c *Client) ExchangeCodeForSession(ctx context.Context, in models.ExchangeInput) (sess *models.Session, err error) {
	defer c.recoverPanic("exchanging code", &err)

	code, state := extractCode(in)

	// Single use: every outcome from here on is terminal for the attempt.
	attempt, ok := c.flows.Read()
	defer c.flows.Clear()

	if code == "" {
		return nil, autherrors.ErrMissingCode
	}

	if ok && attempt.State != "" && state != "" && attempt.State != state {
		c.logger.Warn("oauth state mismatch, refusing exchange", slog.String("attempt", attempt.ID))
		return nil, autherrors.ErrStateMismatch
	}

	if !ok || attempt.CodeVerifier == "" {
		return nil, autherrors.ErrMissingVerifier
	}

	c.logger.Debug("exchanging code",
		slog.String("attempt", attempt.ID),
		slog.String("grant", c.grantType),
		slog.String("code", logging.MaskToken(code)),
	)

	var body []byte

	switch c.grantType {
	case GrantAuthorizationCode:
		body, err = c.exchangeAuthorizationCode(ctx, code, attempt)
	default:
		body, err = c.postJSON(ctx, tokenPath+"?grant_type="+GrantPKCE, "", pkceGrantRequest{
			AuthCode:     code,
			CodeVerifier: attempt.CodeVerifier,
			RedirectTo:   attempt.RedirectTo,
		})
	}

	if err != nil {
		return nil, fmt.Errorf("exchanging code for session: %w", err)
	}

	sess, err = normalizeSession(body, c.now())
	if err != nil {
		return nil, err
	}

	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %w", autherrors.ErrSession, err)
	}

	c.logger.Info("signed in",
		slog.String("attempt", attempt.ID),
		slog.String("user", sess.UserID()),
		slog.Time("expires_at", sess.Expiry()),
	)

	c.events.Emit(models.AuthEvent{Kind: models.SignedIn, Session: sess.Clone()})

	return sess.Clone(), nil
}

// extractCode reads the code and state from in. Explicit values win.
// A URL is read query first, then fragment; a bare string that is not
// a URL is taken as the code itself.
func extractCode(in models.ExchangeInput) (code, state string) {
	code, state = strings.TrimSpace(in.Code), strings.TrimSpace(in.State)
	if code != "" || in.URL == "" {
		return code, state
	}

	raw := strings.TrimSpace(in.URL)

	if !looksLikeURL(raw) {
		return raw, state
	}

	parsed := callback.Parse(raw)
	if state == "" {
		state = parsed.State
	}

	return parsed.Code, state
}

func looksLikeURL(s string) bool {
	if strings.ContainsAny(s, "?#") {
		return true
	}

	u, err := url.Parse(s)

	return err == nil && u.Scheme != "" && u.Host != ""
}

// exchangeAuthorizationCode performs the RFC 6749 form exchange
// through x/oauth2 and re-encodes the token as the JSON shape
// normalizeSession expects.
func (c *Client) exchangeAuthorizationCode(ctx context.Context, code string, attempt models.PkceAttempt) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conf := &oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: attempt.RedirectTo,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.baseURL + "/auth/v1/authorize",
			TokenURL:  c.baseURL + tokenPath + "?grant_type=" + GrantAuthorizationCode,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	hc := &http.Client{
		Timeout:       c.httpClient.Timeout,
		CheckRedirect: c.httpClient.CheckRedirect,
		Transport:     &headerTransport{client: c, base: c.httpClient.Transport},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(attempt.CodeVerifier))
	if err != nil {
		return nil, oauthError(err)
	}

	fields := map[string]any{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
		"token_type":    tok.TokenType,
		"expires_in":    tok.ExpiresIn,
	}

	for _, key := range []string{"expires_at", "user", "provider_token", "provider_refresh_token"} {
		if v := tok.Extra(key); v != nil {
			fields[key] = v
		}
	}

	if _, ok := fields["expires_at"]; !ok && !tok.Expiry.IsZero() {
		fields["expires_at"] = tok.Expiry.Unix()
	}

	return json.Marshal(fields)
}

// oauthError maps an x/oauth2 failure onto the error taxonomy.
func oauthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}

		if msg == "" {
			msg = http.StatusText(re.Response.StatusCode)
		}

		return &autherrors.HTTPError{Endpoint: tokenPath, Status: re.Response.StatusCode, Message: msg}
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return autherrors.Transport(tokenPath, err)
	}

	// x/oauth2 rejects a 2xx without an access token before we see it.
	return fmt.Errorf("%w: %w", autherrors.ErrSession, err)
}

// headerTransport adds the backend headers to requests x/oauth2 makes.
type headerTransport struct {
	client *Client
	base   http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("apikey", t.client.apiKey)
	req.Header.Set("X-Client-Info", t.client.clientInfo)
	req.Header.Set("Accept", "application/json")

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(req)
}
