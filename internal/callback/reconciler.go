// Package callback turns an OAuth redirect back into a stored session.
// It reads the authorization result from the callback address, drives
// the code exchange, strips the auth parameters from the visible
// address and sends the user on to the account page.
package callback

//go:generate mockgen -destination=mock_page_test.go -package=callback . Page,Authenticator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/alexjbarnes/pkce-session/internal/logging"
	"github.com/alexjbarnes/pkce-session/internal/models"
)

// DefaultRedirectDelay lets the status message render before navigating.
const DefaultRedirectDelay = 600 * time.Millisecond

// User-facing messages.
const (
	MsgSuccess            = "Sign-in complete. Redirecting…"
	MsgFailedStatus       = "Sign-in failed."
	MsgNoCode             = "No OAuth code found. Please retry sign-in."
	MsgExchangeFailed     = "Authentication failed. Please try signing in again."
	MsgUnexpected         = "Unexpected error during sign-in. Please try again."
	MsgMissingCredentials = "Backend credentials are missing. Please configure the app and try again."
	MsgProviderFallback   = "Authentication failed. Please try again."
)

// State is a step of the callback state machine.
type State string

const (
	Loading             State = "Loading"
	ExchangingCode      State = "ExchangingCode"
	SessionAlreadyValid State = "SessionAlreadyValid"
	ProviderError       State = "ProviderError"
	NoCodeFound         State = "NoCodeFound"
	ExchangeFailed      State = "ExchangeFailed"
	URLCleaned          State = "UrlCleaned"
	Redirected          State = "Redirected"
)

// Page is the visible address and status surface of the callback page.
type Page interface {
	// Href returns the full current address, fragment included.
	Href() string
	SetStatus(msg string)
	// ShowError displays msg with a retry link to retryHref.
	ShowError(msg, retryHref string)
	// ReplaceURL rewrites the visible address without navigating.
	ReplaceURL(href string)
	// Redirect navigates to href after delay.
	Redirect(ctx context.Context, href string, delay time.Duration) error
}

// Authenticator is the part of the auth client the reconciler drives.
type Authenticator interface {
	ExchangeCodeForSession(ctx context.Context, in models.ExchangeInput) (*models.Session, error)
	GetSession(ctx context.Context) (*models.Session, error)
}

// Outcome summarizes one run.
type Outcome struct {
	// State is the classification reached before cleanup: one of
	// ExchangingCode (success), SessionAlreadyValid, ProviderError,
	// NoCodeFound or ExchangeFailed.
	State State
	// Trace lists every state entered, in order.
	Trace []State
	// Message is the status or error shown on the page.
	Message     string
	Parsed      ParseResult
	Session     *models.Session
	CleanedURL  string
	Destination string
	Err         error
}

// Success reports whether the run ended with a usable session.
func (o Outcome) Success() bool {
	return o.State == ExchangingCode || o.State == SessionAlreadyValid
}

func (o *Outcome) enter(s State) {
	o.Trace = append(o.Trace, s)
}

func (o *Outcome) entered(s State) bool {
	return slices.Contains(o.Trace, s)
}

// Options configures a Reconciler.
type Options struct {
	RedirectDelay time.Duration
	Logger        *slog.Logger
}

// Reconciler runs the callback state machine.
type Reconciler struct {
	auth   Authenticator
	delay  time.Duration
	logger *slog.Logger
}

// NewReconciler returns a reconciler driving a. A nil a is allowed and
// makes every run fail with the missing credentials message.
func NewReconciler(a Authenticator, opts Options) *Reconciler {
	if opts.RedirectDelay <= 0 {
		opts.RedirectDelay = DefaultRedirectDelay
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Reconciler{auth: a, delay: opts.RedirectDelay, logger: opts.Logger}
}

// Run processes the callback address shown by page. It never panics.
func (r *Reconciler) Run(ctx context.Context, page Page) (out Outcome) {
	retryHref := "/"

	var href string

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("callback run panicked", slog.Any("panic", rec))
			out.Err = fmt.Errorf("callback: unexpected panic: %v", rec)
			out.Message = MsgUnexpected
			out.Session = nil

			if out.State != ExchangeFailed {
				out.State = ExchangeFailed
				out.enter(ExchangeFailed)
			}

			if href != "" && !out.entered(URLCleaned) {
				r.cleanAfterPanic(page, &out, href)
			}

			r.fail(page, MsgUnexpected, retryHref)
		}
	}()

	out.enter(Loading)

	href = page.Href()
	callbackHref, accountHref := r.pageURLs(href)
	retryHref = accountHref
	out.Destination = accountHref

	if r.auth == nil {
		r.logger.Error("callback backend credentials missing")
		out.State = ExchangeFailed
		out.enter(ExchangeFailed)
		out.Message = MsgMissingCredentials
		r.finish(ctx, page, &out, href)

		return out
	}

	parsed := Parse(href)
	out.Parsed = parsed

	r.logger.Debug("callback loaded",
		slog.String("href", logging.SanitizeURL(href)),
		slog.String("source", string(parsed.Source)),
		slog.Bool("has_code", parsed.Code != ""),
		slog.String("code", logging.MaskToken(parsed.Code)),
		slog.Bool("has_state", parsed.State != ""),
	)

	switch {
	case parsed.HasError() && parsed.Code == "":
		out.State = ProviderError
		out.enter(ProviderError)
		out.Message = parsed.ErrorMessage()
		r.logger.Warn("callback received provider error",
			slog.String("error", parsed.Error),
			slog.String("error_description", parsed.ErrorDescription),
			slog.String("source", string(parsed.Source)),
		)

	case parsed.Code != "":
		out.State = ExchangingCode
		out.enter(ExchangingCode)
		r.exchange(ctx, &out, parsed, callbackHref)

	default:
		r.logImplicitTokens(href)

		sess, err := r.auth.GetSession(ctx)
		if err != nil {
			r.logger.Warn("callback session check failed", slog.Any("error", err))
		}

		if sess != nil {
			out.State = SessionAlreadyValid
			out.enter(SessionAlreadyValid)
			out.Session = sess
		} else {
			out.State = NoCodeFound
			out.enter(NoCodeFound)
			out.Message = MsgNoCode
			out.Err = err
		}
	}

	r.finish(ctx, page, &out, href)

	return out
}

func (r *Reconciler) exchange(ctx context.Context, out *Outcome, parsed ParseResult, callbackHref string) {
	exchangeURL := callbackHref
	if u, err := url.Parse(callbackHref); err == nil {
		q := u.Query()
		q.Set("code", parsed.Code)

		if parsed.State != "" {
			q.Set("state", parsed.State)
		}

		u.RawQuery = q.Encode()
		exchangeURL = u.String()
	}

	_, exchangeErr := r.auth.ExchangeCodeForSession(ctx, models.ExchangeInput{
		URL:   exchangeURL,
		Code:  parsed.Code,
		State: parsed.State,
	})
	if exchangeErr != nil {
		r.logger.Warn("callback code exchange failed", slog.Any("error", exchangeErr))
	}

	// Confirm a usable session actually landed in the store.
	sess, err := r.auth.GetSession(ctx)
	if err != nil {
		r.logger.Warn("callback post-exchange session read failed", slog.Any("error", err))
	}

	if exchangeErr != nil || sess == nil {
		out.State = ExchangeFailed
		out.enter(ExchangeFailed)
		out.Message = MsgExchangeFailed

		out.Err = exchangeErr
		if out.Err == nil {
			out.Err = err
		}

		return
	}

	out.Session = sess
}

// finish cleans the address and then either redirects or shows the
// failure. The address is rewritten exactly once.
func (r *Reconciler) finish(ctx context.Context, page Page, out *Outcome, href string) {
	out.CleanedURL = CleanURL(href)
	page.ReplaceURL(out.CleanedURL)
	out.enter(URLCleaned)

	if !out.Success() {
		r.fail(page, out.Message, out.Destination)
		return
	}

	out.Message = MsgSuccess
	page.SetStatus(MsgSuccess)

	if err := page.Redirect(ctx, out.Destination, r.delay); err != nil {
		r.logger.Warn("callback redirect abandoned", slog.Any("error", err))
		out.Err = err

		return
	}

	out.enter(Redirected)
}

// cleanAfterPanic strips the auth params when a run panicked before
// finish could, so a reload does not replay the code.
func (r *Reconciler) cleanAfterPanic(page Page, out *Outcome, href string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("callback address cleanup panicked", slog.Any("panic", rec))
		}
	}()

	out.CleanedURL = CleanURL(href)
	page.ReplaceURL(out.CleanedURL)
	out.enter(URLCleaned)
}

func (r *Reconciler) fail(page Page, msg, retryHref string) {
	if msg == "" {
		msg = MsgProviderFallback
	}

	page.SetStatus(MsgFailedStatus)
	page.ShowError(msg, retryHref)
}

// pageURLs derives the callback and account URLs from the address the
// callback page was loaded at.
func (r *Reconciler) pageURLs(href string) (callbackHref, accountHref string) {
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return CallbackPath, AccountURL("/", "")
	}

	origin := u.Scheme + "://" + u.Host
	base := InferBasePath(u.Path)

	return CallbackURL(base, origin), AccountURL(base, origin)
}

func (r *Reconciler) logImplicitTokens(href string) {
	u, err := url.Parse(href)
	if err != nil || u.Fragment == "" {
		return
	}

	tokens := InspectFragmentTokens(u.EscapedFragment())
	if len(tokens) == 0 {
		return
	}

	attrs := make([]any, 0, len(tokens))
	for k, v := range tokens {
		attrs = append(attrs, slog.String(k, v))
	}

	r.logger.Warn("callback fragment carries implicit-flow tokens but no code; PKCE exchange skipped", attrs...)
}
