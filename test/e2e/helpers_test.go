package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/pkce-session/internal/auth"
	"github.com/alexjbarnes/pkce-session/internal/backend"
	"github.com/alexjbarnes/pkce-session/internal/idptest"
	"github.com/alexjbarnes/pkce-session/internal/server"
	"github.com/alexjbarnes/pkce-session/internal/state"
)

const (
	testAPIKey     = "e2e-anon-key"
	testClientID   = "e2e-client"
	testPassphrase = "e2e-seal-passphrase"
)

// harness holds the full e2e stack: the fake backend, a sealed bbolt
// state file, the client factory and the loopback callback server.
type harness struct {
	IDP     *idptest.Server
	IDPURL  string
	State   *state.State
	Clients *backend.Clients
	LoopURL string

	authOpts auth.Options
}

type harnessOptions struct {
	IDP       idptest.Options
	GrantType string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	opts.IDP.APIKey = testAPIKey
	if opts.GrantType == auth.GrantAuthorizationCode {
		opts.IDP.ClientID = testClientID
	}

	idp := idptest.New(opts.IDP)
	idp.CreateTable("profiles", "user_id")
	idp.CreateTable("tracks", "")
	idp.Seed("tracks",
		map[string]any{"id": 1, "name": "Spa", "laps": 44},
		map[string]any{"id": 2, "name": "Monza", "laps": 53},
	)

	idpTS := httptest.NewServer(idp.Handler())

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.Options{SealPassphrase: testPassphrase})
	require.NoError(t, err)

	authOpts := auth.Options{
		Backend:        st,
		PersistSession: true,
		AutoRefresh:    true,
		Logger:         logger,
		GrantType:      opts.GrantType,
		ClientID:       testClientID,
	}

	clients, err := backend.NewFactory(authOpts).Get(idpTS.URL, testAPIKey)
	require.NoError(t, err)

	loop := httptest.NewServer(server.NewMux(server.MuxConfig{
		Auth:     clients.Auth,
		Provider: "github",
		Logger:   logger,
	}))

	t.Cleanup(func() {
		loop.Close()
		idpTS.Close()
		idp.Close()
		st.Close()
	})

	return &harness{
		IDP:      idp,
		IDPURL:   idpTS.URL,
		State:    st,
		Clients:  clients,
		LoopURL:  loop.URL,
		authOpts: authOpts,
	}
}

// freshAuth builds a second client over the same state file, as a new
// process would.
func (h *harness) freshAuth(t *testing.T) *auth.Client {
	t.Helper()

	opts := h.authOpts
	opts.BaseURL = h.IDPURL
	opts.APIKey = testAPIKey

	c, err := auth.New(opts)
	require.NoError(t, err)

	return c
}

// browser surfaces redirects instead of following them.
var browser = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

type callbackResult struct {
	State      string   `json:"state"`
	Trace      []string `json:"trace"`
	Status     string   `json:"status"`
	Error      string   `json:"error"`
	RetryHref  string   `json:"retry_href"`
	ReplaceURL string   `json:"replace_url"`
	RedirectTo string   `json:"redirect_to"`
}

// signIn walks the browser side of the flow: /auth/login, the provider
// redirect, then the callback page. Fragment callbacks are resolved
// the way the page script does it.
func (h *harness) signIn(t *testing.T) callbackResult {
	t.Helper()

	resp, err := browser.Get(h.LoopURL + "/auth/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp, err = browser.Get(resp.Header.Get("Location"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callbackURL := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(callbackURL, h.LoopURL), callbackURL)

	return h.resolve(t, callbackURL)
}

func (h *harness) resolve(t *testing.T, href string) callbackResult {
	t.Helper()

	payload, err := json.Marshal(map[string]string{"href": href})
	require.NoError(t, err)

	resp, err := http.Post(h.LoopURL+"/auth/callback/resolve", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res callbackResult
	require.NoError(t, json.Unmarshal(body, &res))

	return res
}

func (h *harness) getPage(t *testing.T, path string) string {
	t.Helper()

	resp, err := http.Get(h.LoopURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(body)
}
