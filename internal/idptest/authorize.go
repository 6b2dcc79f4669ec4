package idptest

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// validateRedirect accepts absolute http(s) URLs and rejects plain
// http to anything but a loopback host.
func validateRedirect(redirectTo string) bool {
	u, err := url.Parse(redirectTo)
	if err != nil || u.Host == "" {
		return false
	}

	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

// appendParams adds params to redirectTo, in the query or the
// fragment. Any fragment already on redirectTo is dropped.
func appendParams(redirectTo string, params url.Values, fragment bool) string {
	base, _, _ := strings.Cut(redirectTo, "#")

	if fragment {
		return base + "#" + params.Encode()
	}

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}

	return base + sep + params.Encode()
}

// redirectWithError sends the user-agent back to redirectTo with an
// error response. Only call it after redirectTo has been validated.
func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, redirectTo, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendParams(redirectTo, params, s.opts.FragmentResponse), http.StatusFound)
}

// handleAuthorize stands in for the provider round trip: it approves
// immediately and redirects back with a fresh code.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	last := make(map[string]string, len(q))
	for k := range q {
		last[k] = q.Get(k)
	}

	s.mu.Lock()
	s.lastAuthorize = last
	s.mu.Unlock()

	provider := q.Get("provider")
	if provider == "" {
		writeJSONError(w, http.StatusBadRequest, "validation_failed", "Unsupported provider: provider is required")
		return
	}

	redirectTo := q.Get("redirect_to")
	if !validateRedirect(redirectTo) {
		writeJSONError(w, http.StatusBadRequest, "validation_failed", "redirect_to is not allowed")
		return
	}

	state := q.Get("state")

	if s.opts.DenyAuthorize {
		s.redirectWithError(w, r, redirectTo, state, "access_denied", "The resource owner or authorization server denied the request")
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		s.redirectWithError(w, r, redirectTo, state, "invalid_request", "code_challenge is required")
		return
	}

	if m := q.Get("code_challenge_method"); !strings.EqualFold(m, "s256") {
		s.redirectWithError(w, r, redirectTo, state, "invalid_request", "only S256 code_challenge_method is supported")
		return
	}

	code := uuid.NewString()
	s.store.SaveCode(&AuthCode{
		Code:          code,
		Provider:      provider,
		RedirectTo:    redirectTo,
		CodeChallenge: challenge,
		UserID:        s.opts.User.ID,
		ExpiresAt:     time.Now().Add(codeExpiry),
	})

	s.logger.Debug("idptest: issued code", slog.String("provider", provider))

	params := url.Values{}
	params.Set("code", code)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendParams(redirectTo, params, s.opts.FragmentResponse), http.StatusFound)
}
