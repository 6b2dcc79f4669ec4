package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/flowstore"
	"github.com/alexjbarnes/pkce-session/internal/models"
	"github.com/alexjbarnes/pkce-session/internal/pkce"
	"github.com/alexjbarnes/pkce-session/internal/state"
)

const testAPIKey = "anon-key-123"

var testNow = time.Unix(1_700_000_000, 0)

func newTestClient(t *testing.T, srv *httptest.Server, mods ...func(*Options)) *Client {
	t.Helper()

	opts := Options{
		BaseURL:     srv.URL,
		APIKey:      testAPIKey,
		HTTPClient:  srv.Client(),
		AutoRefresh: true,
		Flows:       flowstore.New(0),
		Now:         func() time.Time { return testNow },
		Timeout:     5 * time.Second,
	}
	for _, m := range mods {
		m(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)

	return c
}

// recordEvents subscribes to c and returns the collected events.
func recordEvents(c *Client) *[]models.AuthEvent {
	var mu sync.Mutex
	var got []models.AuthEvent
	c.OnAuthStateChange(func(ev models.AuthEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return &got
}

func countingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func seedSession(t *testing.T, c *Client, s *models.Session) {
	t.Helper()
	require.NoError(t, c.sessions.Save(context.Background(), s))
}

// failingReader always errors, simulating an unavailable entropy source.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

// --- New ---

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(Options{BaseURL: "", APIKey: "k"})
	assert.ErrorIs(t, err, autherrors.ErrConfiguration)

	_, err = New(Options{BaseURL: "https://x.example", APIKey: " "})
	assert.ErrorIs(t, err, autherrors.ErrConfiguration)

	_, err = New(Options{BaseURL: "https://x.example", APIKey: "k", GrantType: "password"})
	assert.ErrorIs(t, err, autherrors.ErrConfiguration)
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c, err := New(Options{BaseURL: "https://x.example/", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://x.example", c.BaseURL())
}

// --- BuildAuthorizeRequest ---

func TestBuildAuthorizeRequest(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)

	req, err := c.BuildAuthorizeRequest(context.Background(), "github", "https://app.example/auth/callback")
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "/auth/v1/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "github", q.Get("provider"))
	assert.Equal(t, "https://app.example/auth/callback", q.Get("redirect_to"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "pkce", q.Get("flow_type"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, req.State, q.Get("state"))

	attempt, ok := c.flows.Read()
	require.True(t, ok)
	assert.Equal(t, q.Get("state"), attempt.State)
	assert.Equal(t, q.Get("code_challenge"), attempt.CodeChallenge)
	assert.Equal(t, pkce.DeriveChallenge(attempt.CodeVerifier), attempt.CodeChallenge)
	assert.Equal(t, "https://app.example/auth/callback", attempt.RedirectTo)
	assert.NotEmpty(t, attempt.ID)

	assert.Zero(t, calls.Load(), "building the request must not touch the network")
}

func TestBuildAuthorizeRequest_ReplacesPendingAttempt(t *testing.T) {
	srv, _ := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)

	first, err := c.BuildAuthorizeRequest(context.Background(), "github", "https://app.example/cb")
	require.NoError(t, err)
	second, err := c.BuildAuthorizeRequest(context.Background(), "github", "https://app.example/cb")
	require.NoError(t, err)

	assert.NotEqual(t, first.State, second.State)

	attempt, ok := c.flows.Read()
	require.True(t, ok)
	assert.Equal(t, second.State, attempt.State)
}

func TestBuildAuthorizeRequest_MissingArguments(t *testing.T) {
	srv, _ := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)

	_, err := c.BuildAuthorizeRequest(context.Background(), "", "https://app.example/cb")
	assert.ErrorIs(t, err, autherrors.ErrMissingProvider)
	assert.ErrorIs(t, err, autherrors.ErrProtocol)

	_, err = c.BuildAuthorizeRequest(context.Background(), "github", "")
	assert.ErrorIs(t, err, autherrors.ErrMissingRedirect)

	_, ok := c.flows.Read()
	assert.False(t, ok)
}

func TestBuildAuthorizeRequest_EntropyFailureFailsClosed(t *testing.T) {
	srv, _ := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	flows := flowstore.New(0)
	flows.Save(models.PkceAttempt{State: "previous", CodeVerifier: "v"})

	c := newTestClient(t, srv, func(o *Options) {
		o.Flows = flows
		o.Entropy = failingReader{}
	})

	_, err := c.BuildAuthorizeRequest(context.Background(), "github", "https://app.example/cb")
	assert.ErrorIs(t, err, pkce.ErrEntropyUnavailable)

	attempt, ok := flows.Read()
	require.True(t, ok, "a failed build must leave the flow store untouched")
	assert.Equal(t, "previous", attempt.State)
}

type panickingReader struct{}

func (panickingReader) Read([]byte) (int, error) { panic("reader exploded") }

func TestBuildAuthorizeRequest_PanicBecomesError(t *testing.T) {
	srv, _ := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv, func(o *Options) { o.Entropy = panickingReader{} })

	var err error
	assert.NotPanics(t, func() {
		_, err = c.BuildAuthorizeRequest(context.Background(), "github", "https://app.example/cb")
	})
	assert.Error(t, err)
}

// --- ExchangeCodeForSession ---

func TestExchangeCodeForSession_PKCEGrant(t *testing.T) {
	var gotBody map[string]string
	var gotHeader http.Header
	var gotQuery url.Values

	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotQuery = r.URL.Query()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-abc",
			"refresh_token": "refresh-abc",
			"user":          map[string]any{"id": "user-1"},
		})
	})
	c := newTestClient(t, srv)
	events := recordEvents(c)

	req, err := c.BuildAuthorizeRequest(context.Background(), "github", "https://app.example/auth/callback")
	require.NoError(t, err)
	attempt, _ := c.flows.Read()

	sess, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{
		URL: "https://app.example/auth/callback?code=ABC&state=" + url.QueryEscape(req.State),
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "pkce", gotQuery.Get("grant_type"))
	assert.Equal(t, "ABC", gotBody["auth_code"])
	assert.Equal(t, attempt.CodeVerifier, gotBody["code_verifier"])
	assert.Equal(t, "https://app.example/auth/callback", gotBody["redirect_to"])
	assert.Equal(t, testAPIKey, gotHeader.Get("apikey"))
	assert.Equal(t, "Bearer "+testAPIKey, gotHeader.Get("Authorization"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "application/json", gotHeader.Get("Accept"))
	assert.NotEmpty(t, gotHeader.Get("X-Client-Info"))

	assert.Equal(t, "access-abc", sess.AccessToken)
	assert.Equal(t, "bearer", sess.TokenType)
	assert.Equal(t, int64(3600), sess.ExpiresIn)
	assert.Equal(t, testNow.Unix()+3600, sess.ExpiresAt, "expires_at computed from expires_in")
	assert.Equal(t, "user-1", sess.UserID())

	_, ok := c.flows.Read()
	assert.False(t, ok, "attempt is single use")

	stored, err := c.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "access-abc", stored.AccessToken)

	require.Len(t, *events, 1)
	assert.Equal(t, models.SignedIn, (*events)[0].Kind)
	assert.Equal(t, "access-abc", (*events)[0].Session.AccessToken)
}

func TestExchangeCodeForSession_ServerExpiresAtKept(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "a",
			"expires_in":   120,
			"expires_at":   1_800_000_000,
			"token_type":   "Bearer",
		})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier", State: "s"})

	sess, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC", State: "s"})
	require.NoError(t, err)
	assert.Equal(t, int64(1_800_000_000), sess.ExpiresAt)
	assert.Equal(t, int64(120), sess.ExpiresIn)
	assert.Equal(t, "Bearer", sess.TokenType)
	assert.JSONEq(t, "null", string(sess.User))
}

func TestExchangeCodeForSession_StateMismatchNoNetwork(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a"})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier", State: "expected"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC", State: "forged"})
	assert.ErrorIs(t, err, autherrors.ErrStateMismatch)
	assert.ErrorIs(t, err, autherrors.ErrProtocol)
	assert.Zero(t, calls.Load(), "token endpoint must not be called")

	_, ok := c.flows.Read()
	assert.False(t, ok, "attempt is cleared on failure too")
}

func TestExchangeCodeForSession_MissingStateIsTolerated(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a"})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier", State: "expected"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExchangeCodeForSession_MissingVerifier(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	assert.ErrorIs(t, err, autherrors.ErrMissingVerifier)
	assert.Zero(t, calls.Load())
}

func TestExchangeCodeForSession_MissingCode(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{URL: "https://app.example/auth/callback"})
	assert.ErrorIs(t, err, autherrors.ErrMissingCode)
	assert.Zero(t, calls.Load())

	_, ok := c.flows.Read()
	assert.False(t, ok)
}

func TestExchangeCodeForSession_FragmentURL(t *testing.T) {
	var gotBody map[string]string
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a"})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier", State: "s"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{URL: "https://app.example/#/cb?code=FRAG&state=s"})
	require.NoError(t, err)
	assert.Equal(t, "FRAG", gotBody["auth_code"])
}

func TestExchangeCodeForSession_BareCodeString(t *testing.T) {
	var gotBody map[string]string
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a"})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{URL: "bare-code-123"})
	require.NoError(t, err)
	assert.Equal(t, "bare-code-123", gotBody["auth_code"])
}

func TestExchangeCodeForSession_HTTPError(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "Invalid PKCE code verifier",
		})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier"})
	events := recordEvents(c)

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	require.Error(t, err)
	assert.ErrorIs(t, err, autherrors.ErrNetwork)

	var he *autherrors.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Status)
	assert.Equal(t, "Invalid PKCE code verifier", he.Message)

	_, ok := c.flows.Read()
	assert.False(t, ok)
	assert.Empty(t, *events)

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestExchangeCodeForSession_NoAccessToken(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"token_type": "bearer"})
	})
	c := newTestClient(t, srv)
	c.flows.Save(models.PkceAttempt{CodeVerifier: "verifier"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	assert.ErrorIs(t, err, autherrors.ErrSession)
}

func TestExchangeCodeForSession_AuthorizationCodeGrant(t *testing.T) {
	var form url.Values
	var gotHeader http.Header
	var gotQuery url.Values

	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotQuery = r.URL.Query()
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "oauth-access",
			"refresh_token": "oauth-refresh",
			"token_type":    "bearer",
			"expires_in":    1800,
			"user":          map[string]any{"id": "user-9"},
		})
	})
	c := newTestClient(t, srv, func(o *Options) {
		o.GrantType = GrantAuthorizationCode
		o.ClientID = "client-1"
	})
	c.flows.Save(models.PkceAttempt{CodeVerifier: "the-verifier", RedirectTo: "https://app.example/cb"})

	sess, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", gotQuery.Get("grant_type"))
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "ABC", form.Get("code"))
	assert.Equal(t, "the-verifier", form.Get("code_verifier"))
	assert.Equal(t, "https://app.example/cb", form.Get("redirect_uri"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.Equal(t, testAPIKey, gotHeader.Get("apikey"))

	assert.Equal(t, "oauth-access", sess.AccessToken)
	assert.Equal(t, "oauth-refresh", sess.RefreshToken)
	assert.Equal(t, int64(1800), sess.ExpiresIn)
	assert.NotZero(t, sess.ExpiresAt)
	assert.Equal(t, "user-9", sess.UserID())
}

func TestExchangeCodeForSession_AuthorizationCodeGrantError(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	})
	c := newTestClient(t, srv, func(o *Options) { o.GrantType = GrantAuthorizationCode })
	c.flows.Save(models.PkceAttempt{CodeVerifier: "v"})

	_, err := c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	require.Error(t, err)

	var he *autherrors.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "code expired", he.Message)
	assert.ErrorIs(t, err, autherrors.ErrNetwork)
}

// --- GetSession ---

func TestGetSession_None(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Zero(t, calls.Load())
}

func TestGetSession_FreshSessionNotRefreshed(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)
	seedSession(t, c, &models.Session{AccessToken: "a", RefreshToken: "r", ExpiresAt: testNow.Unix() + 3600})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", sess.AccessToken)
	assert.Zero(t, calls.Load())
}

func TestGetSession_RefreshesExpiredSession(t *testing.T) {
	var gotBody map[string]string
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	})
	c := newTestClient(t, srv)
	events := recordEvents(c)
	seedSession(t, c, &models.Session{AccessToken: "old", RefreshToken: "old-refresh", ExpiresAt: testNow.Unix() - 120})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", sess.AccessToken)
	assert.Equal(t, "old-refresh", gotBody["refresh_token"])
	assert.Equal(t, int32(1), calls.Load())

	stored, err := c.sessions.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)

	require.Len(t, *events, 1)
	assert.Equal(t, models.TokenRefreshed, (*events)[0].Kind)
}

func TestGetSession_RefreshInsideMargin(t *testing.T) {
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new-access"})
	})
	c := newTestClient(t, srv)
	seedSession(t, c, &models.Session{AccessToken: "old", RefreshToken: "r", ExpiresAt: testNow.Unix() + 30})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", sess.AccessToken)
	assert.Equal(t, "r", sess.RefreshToken, "refresh token kept when the server does not rotate it")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetSession_ConcurrentCallersShareOneRefresh(t *testing.T) {
	release := make(chan struct{})
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new-access", "refresh_token": "new-refresh"})
	})
	c := newTestClient(t, srv)
	events := recordEvents(c)
	seedSession(t, c, &models.Session{AccessToken: "old", RefreshToken: "old-refresh", ExpiresAt: testNow.Unix() - 120})

	var wg sync.WaitGroup
	results := make([]*models.Session, 2)
	errs := make([]error, 2)

	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetSession(context.Background())
		}()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", results[i].AccessToken)
	}

	assert.Equal(t, int32(1), calls.Load(), "exactly one refresh request")
	assert.Len(t, *events, 1)
}

func TestGetSession_LateCallerDoesNotReplayRotatedToken(t *testing.T) {
	var mu sync.Mutex
	valid := "rt-0"
	issued := 0
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		defer mu.Unlock()

		if body["refresh_token"] != valid {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error_description": "Invalid Refresh Token: Already Used"})
			return
		}

		issued++
		valid = fmt.Sprintf("rt-%d", issued)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at-" + valid,
			"refresh_token": valid,
			"expires_in":    30,
		})
	})
	c := newTestClient(t, srv)
	seedSession(t, c, &models.Session{AccessToken: "at-rt-0", RefreshToken: "rt-0", ExpiresAt: testNow.Unix() - 120})

	first, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-rt-1", first.AccessToken)

	// A caller holding the pre-refresh copy arrives after the flight settled.
	late, err := c.refresh(context.Background(), "rt-0")
	require.NoError(t, err)
	assert.Equal(t, "at-rt-1", late.AccessToken)
	assert.Equal(t, "rt-1", late.RefreshToken)
	assert.Equal(t, int32(1), calls.Load(), "consumed refresh token is not sent again")
}

func TestGetSession_RefreshFailureReturnsStale(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": "down"})
	})
	c := newTestClient(t, srv)
	events := recordEvents(c)
	seedSession(t, c, &models.Session{AccessToken: "stale", RefreshToken: "r", ExpiresAt: testNow.Unix() - 120})

	sess, err := c.GetSession(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, autherrors.ErrNetwork)
	assert.True(t, autherrors.IsTransient(err))
	require.NotNil(t, sess)
	assert.Equal(t, "stale", sess.AccessToken)

	stored, err := c.sessions.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored, "a failed refresh must not clear the session")
	assert.Empty(t, *events)
}

func TestGetSession_AutoRefreshDisabled(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv, func(o *Options) { o.AutoRefresh = false })
	seedSession(t, c, &models.Session{AccessToken: "old", RefreshToken: "r", ExpiresAt: testNow.Unix() - 120})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", sess.AccessToken)
	assert.Zero(t, calls.Load())
}

func TestGetSession_NoRefreshToken(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)
	seedSession(t, c, &models.Session{AccessToken: "old", ExpiresAt: testNow.Unix() - 120})

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "old", sess.AccessToken)
	assert.Zero(t, calls.Load())
}

func TestGetSession_CallerCancelDoesNotCancelRefresh(t *testing.T) {
	release := make(chan struct{})
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new-access"})
	})
	c := newTestClient(t, srv)
	seedSession(t, c, &models.Session{AccessToken: "old", RefreshToken: "r", ExpiresAt: testNow.Unix() - 120})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var sess *models.Session
	var err error
	go func() {
		defer close(done)
		sess, err = c.GetSession(ctx)
	}()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sess)
	assert.Equal(t, "old", sess.AccessToken)

	close(release)

	assert.Eventually(t, func() bool {
		stored, _ := c.sessions.Read(context.Background())
		return stored != nil && stored.AccessToken == "new-access"
	}, 2*time.Second, 5*time.Millisecond, "the detached refresh still completes")
}

// --- SignOut ---

func TestSignOut_RevokeFailureStillClears(t *testing.T) {
	var gotAuth string
	var gotBody map[string]string
	srv, calls := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/logout", r.URL.Path)
		assert.Equal(t, "global", r.URL.Query().Get("scope"))
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "boom"})
	})
	c := newTestClient(t, srv)
	events := recordEvents(c)
	seedSession(t, c, &models.Session{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresAt: testNow.Unix() + 3600})
	c.flows.Save(models.PkceAttempt{CodeVerifier: "v"})

	require.NoError(t, c.SignOut(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Bearer access-1", gotAuth)
	assert.Equal(t, "refresh-1", gotBody["refresh_token"])

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)

	_, ok := c.flows.Read()
	assert.False(t, ok)

	require.Len(t, *events, 1)
	assert.Equal(t, models.SignedOut, (*events)[0].Kind)
	assert.Nil(t, (*events)[0].Session)
}

func TestSignOut_RevokeTimeoutStillClears(t *testing.T) {
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := newTestClient(t, srv, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	seedSession(t, c, &models.Session{AccessToken: "access-1", ExpiresAt: testNow.Unix() + 3600})

	require.NoError(t, c.SignOut(context.Background()))

	sess, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSignOut_NoSessionNoNetwork(t *testing.T) {
	srv, calls := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)
	events := recordEvents(c)

	require.NoError(t, c.SignOut(context.Background()))
	assert.Zero(t, calls.Load())
	require.Len(t, *events, 1)
	assert.Equal(t, models.SignedOut, (*events)[0].Kind)
}

func TestSignOut_NoRefreshTokenSendsNoBody(t *testing.T) {
	var body []byte
	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv)
	seedSession(t, c, &models.Session{AccessToken: "access-1", ExpiresAt: testNow.Unix() + 3600})

	require.NoError(t, c.SignOut(context.Background()))
	assert.Empty(t, body)
}

// --- AccessToken ---

func TestAccessToken(t *testing.T) {
	srv, _ := countingServer(t, func(http.ResponseWriter, *http.Request) {})
	c := newTestClient(t, srv)

	tok, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAPIKey, tok, "signed out falls back to the API key")

	seedSession(t, c, &models.Session{AccessToken: "user-token", ExpiresAt: testNow.Unix() + 3600})
	tok, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-token", tok)
}

// --- Persistence ---

func TestPersistSession_SharedAcrossClients(t *testing.T) {
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "persisted"})
	})

	c1 := newTestClient(t, srv, func(o *Options) {
		o.Backend = st
		o.PersistSession = true
	})
	c1.flows.Save(models.PkceAttempt{CodeVerifier: "v"})
	_, err = c1.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	require.NoError(t, err)

	c2 := newTestClient(t, srv, func(o *Options) {
		o.Backend = st
		o.PersistSession = true
	})
	sess, err := c2.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "persisted", sess.AccessToken)
}

func TestPersistSessionDisabled_NothingWritten(t *testing.T) {
	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv, _ := countingServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "memory-only"})
	})

	c := newTestClient(t, srv, func(o *Options) {
		o.Backend = st
		o.PersistSession = false
	})
	c.flows.Save(models.PkceAttempt{CodeVerifier: "v"})
	_, err = c.ExchangeCodeForSession(context.Background(), models.ExchangeInput{Code: "ABC"})
	require.NoError(t, err)

	keys, err := st.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// --- normalizeSession ---

func TestNormalizeSession_InvalidJSON(t *testing.T) {
	_, err := normalizeSession([]byte("not json"), testNow)
	assert.ErrorIs(t, err, autherrors.ErrSession)
}
