package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/pkce-session/internal/logging"
	"github.com/alexjbarnes/pkce-session/internal/models"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// GetSession returns the current session, or nil when signed out. With
// auto-refresh on, a session within RefreshMargin of expiry is
// refreshed first. Concurrent callers share one refresh request. If the
// refresh fails the stale session is returned together with the error.
func (c *Client) GetSession(ctx context.Context) (sess *models.Session, err error) {
	defer c.recoverPanic("getting session", &err)

	current, err := c.sessions.Read(ctx)
	if err != nil {
		return nil, err
	}

	if current == nil {
		return nil, nil
	}

	if !c.autoRefresh || current.RefreshToken == "" || !current.ExpiresWithin(c.now(), RefreshMargin) {
		return current, nil
	}

	fresh, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		c.logger.Warn("session refresh failed, returning stale session",
			slog.Time("expires_at", current.Expiry()),
			slog.Any("error", err),
		)

		return current, err
	}

	return fresh, nil
}

// refresh joins or starts the in-flight refresh for refreshToken. The
// request runs detached from ctx so one caller giving up does not fail
// the others; ctx only bounds how long this caller waits.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	detached := context.WithoutCancel(ctx)

	ch := c.refreshes.DoChan(refreshToken, func() (v any, err error) {
		defer c.recoverPanic("refreshing session", &err)

		rctx, cancel := context.WithTimeout(detached, c.timeout)
		defer cancel()

		return c.refreshSession(rctx, refreshToken)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*models.Session).Clone(), nil
	}
}

func (c *Client) refreshSession(ctx context.Context, refreshToken string) (*models.Session, error) {
	// A caller that read the session just before another refresh
	// finished arrives here with a stale copy; hand back the stored
	// session instead of spending a second request. A rotated refresh
	// token means refreshToken is already consumed.
	if cur, _ := c.sessions.Read(ctx); cur != nil {
		if cur.RefreshToken != refreshToken || !cur.ExpiresWithin(c.now(), RefreshMargin) {
			return cur, nil
		}
	}

	c.logger.Debug("refreshing session", slog.String("refresh_token", logging.MaskToken(refreshToken)))

	body, err := c.postJSON(ctx, tokenPath+"?grant_type=refresh_token", "", refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	sess, err := normalizeSession(body, c.now())
	if err != nil {
		return nil, err
	}

	if sess.RefreshToken == "" {
		sess.RefreshToken = refreshToken
	}

	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing refreshed session: %w", err)
	}

	c.events.Emit(models.AuthEvent{Kind: models.TokenRefreshed, Session: sess.Clone()})

	return sess, nil
}

// SignOut clears the local session and pending attempt, then revokes
// the session at the backend on a best-effort basis. SIGNED_OUT is
// always emitted. Only a failure to clear local state is returned.
func (c *Client) SignOut(ctx context.Context) (err error) {
	defer c.recoverPanic("signing out", &err)

	current, readErr := c.sessions.Read(ctx)
	if readErr != nil {
		c.logger.Warn("reading session before sign-out failed", slog.Any("error", readErr))
	}

	clearErr := c.sessions.Save(ctx, nil)
	c.flows.Clear()

	if current != nil {
		var body any
		if current.RefreshToken != "" {
			body = refreshRequest{RefreshToken: current.RefreshToken}
		}

		if _, err := c.postJSON(ctx, "/auth/v1/logout?scope=global", current.AccessToken, body); err != nil {
			c.logger.Warn("session revoke failed, local session cleared anyway", slog.Any("error", err))
		}
	}

	c.events.Emit(models.AuthEvent{Kind: models.SignedOut})

	if clearErr != nil {
		return fmt.Errorf("clearing local session: %w", clearErr)
	}

	return nil
}
