// Package server hosts the loopback pages that finish an OAuth sign-in:
// the callback page the provider redirects to and a minimal account page.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/pkce-session/internal/auth"
	"github.com/alexjbarnes/pkce-session/internal/callback"
	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
)

const (
	resolvePath    = "/auth/callback/resolve"
	maxResolveBody = 16 << 10
)

// SessionClient is the part of the auth client the pages drive.
type SessionClient interface {
	callback.Authenticator
	BuildAuthorizeRequest(ctx context.Context, provider, redirectTo string) (*auth.AuthorizeRequest, error)
	SignOut(ctx context.Context) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	// Auth may be nil when backend credentials are missing. The
	// callback page then reports the misconfiguration.
	Auth SessionClient

	// Provider and RedirectTo are used by /auth/login.
	Provider   string
	RedirectTo string

	DisplayName   string
	RedirectDelay time.Duration
	Logger        *slog.Logger

	// OnOutcome, if set, is called after every callback run.
	OnOutcome func(callback.Outcome)
}

type handlers struct {
	cfg        MuxConfig
	reconciler *callback.Reconciler
	logger     *slog.Logger
}

// NewMux builds the HTTP mux with the callback, resolve, login, logout
// and account endpoints.
func NewMux(cfg MuxConfig) *http.ServeMux {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.DisplayName == "" {
		cfg.DisplayName = "Guest"
	}

	var authenticator callback.Authenticator
	if cfg.Auth != nil {
		authenticator = cfg.Auth
	}

	h := &handlers{
		cfg: cfg,
		reconciler: callback.NewReconciler(authenticator, callback.Options{
			RedirectDelay: cfg.RedirectDelay,
			Logger:        cfg.Logger,
		}),
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callback.CallbackPath, h.handleCallback)
	mux.HandleFunc("GET /auth/callback/{$}", h.handleCallback)
	mux.HandleFunc("GET /auth/callback", h.handleCallback)
	mux.Handle("POST "+resolvePath, sameOriginOnly(h.handleResolve))
	mux.HandleFunc("GET /auth/login", h.handleLogin)
	mux.Handle("POST /auth/logout", sameOriginOnly(h.handleLogout))
	mux.HandleFunc("GET /{$}", h.handleAccount)

	return mux
}

// requestHref rebuilds the address the browser requested. The
// fragment never reaches the server.
func requestHref(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// hasAuthParams reports whether the query alone is enough to classify
// the callback.
func hasAuthParams(q url.Values) bool {
	return q.Has("code") || q.Has("error") || q.Has("error_description")
}

func (h *handlers) run(ctx context.Context, href string) callbackResult {
	page := callback.NewRecordedPage(href)
	out := h.reconciler.Run(ctx, page)

	if h.cfg.OnOutcome != nil {
		h.cfg.OnOutcome(out)
	}

	return newCallbackResult(out, page.Snapshot())
}

func (h *handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	data := callbackPageData{ResolvePath: resolvePath}

	if hasAuthParams(r.URL.Query()) {
		if !callbackAllowed(r) {
			http.Error(w, "cross-origin request rejected", http.StatusForbidden)
			return
		}

		res := h.run(r.Context(), requestHref(r))
		data.Result = &res
	}

	renderHTML(w, http.StatusOK, callbackPage, data)
}

type resolveRequest struct {
	Href string `json:"href"`
}

// handleResolve runs the callback for an address posted by the page
// script, which is the only way a fragment reaches the server.
func (h *handlers) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r) {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxResolveBody)

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	u, err := url.Parse(req.Href)
	if err != nil || u.Host != r.Host {
		http.Error(w, "href must be an address on this server", http.StatusBadRequest)
		return
	}

	res := h.run(r.Context(), req.Href)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(res)
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Auth == nil {
		http.Error(w, callback.MsgMissingCredentials, http.StatusServiceUnavailable)
		return
	}

	redirectTo := h.cfg.RedirectTo
	if redirectTo == "" {
		redirectTo = callback.CallbackURL("/", "http://"+r.Host)
	}

	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = h.cfg.Provider
	}

	req, err := h.cfg.Auth.BuildAuthorizeRequest(r.Context(), provider, redirectTo)
	if err != nil {
		h.logger.Warn("building authorize request failed", slog.Any("error", err))
		http.Error(w, autherrors.Message(err), http.StatusInternalServerError)

		return
	}

	http.Redirect(w, r, req.URL, http.StatusFound)
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Auth != nil {
		if err := h.cfg.Auth.SignOut(r.Context()); err != nil {
			h.logger.Warn("sign out failed", slog.Any("error", err))
		}
	}

	http.Redirect(w, r, "/#/account", http.StatusSeeOther)
}

func (h *handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	data := accountPageData{DisplayName: h.cfg.DisplayName}

	if h.cfg.Auth == nil {
		data.Error = callback.MsgMissingCredentials
		renderHTML(w, http.StatusOK, accountPage, data)

		return
	}

	sess, err := h.cfg.Auth.GetSession(r.Context())
	if err != nil {
		h.logger.Warn("account session read failed", slog.Any("error", err))
	}

	if sess != nil {
		data.SignedIn = true
		data.ExpiresAt = sess.Expiry().UTC().Format(time.RFC3339)

		if email := gjson.GetBytes(sess.User, "email").String(); email != "" {
			data.Email = email
		}

		if name := gjson.GetBytes(sess.User, "user_metadata.full_name").String(); name != "" {
			data.DisplayName = name
		}
	}

	renderHTML(w, http.StatusOK, accountPage, data)
}
