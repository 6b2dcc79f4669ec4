package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/pkce-session/internal/auth"
	"github.com/alexjbarnes/pkce-session/internal/backend"
	"github.com/alexjbarnes/pkce-session/internal/config"
	"github.com/alexjbarnes/pkce-session/internal/logging"
	"github.com/alexjbarnes/pkce-session/internal/models"
	"github.com/alexjbarnes/pkce-session/internal/server"
	"github.com/alexjbarnes/pkce-session/internal/state"
)

var Version = "dev"

const usage = `usage: pkce-session <command> [flags]

commands:
  login     sign in through the browser and store the session
  serve     run the loopback callback and account pages
  session   print the stored session, refreshing it if needed
  logout    revoke and clear the stored session
  query     query a table: query [-select cols] [-order col.dir] [-limit n] [-single|-maybe-single] <table> [column=op.value ...]
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "version":
		fmt.Println(Version)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs once config is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *state.State
	clients *backend.Clients
}

func run(cmd string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.AuthDebug)
	logger.Debug("pkce-session starting",
		slog.String("version", Version),
		slog.String("command", cmd),
		slog.String("backend", cfg.SupabaseURL),
		slog.String("grant_type", cfg.GrantType),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	switch cmd {
	case "login":
		return a.login(ctx)
	case "serve":
		return a.serve(ctx)
	case "session":
		return a.session(ctx)
	case "logout":
		return a.logout(ctx)
	case "query":
		return a.query(ctx, args)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := state.LoadAt(cfg.StateDBPath, state.Options{SealPassphrase: cfg.SessionSealPassphrase})
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	factory := backend.NewFactory(auth.Options{
		Backend:        store,
		PersistSession: cfg.PersistSession,
		AutoRefresh:    cfg.AutoRefreshToken,
		Logger:         logger,
		GrantType:      cfg.GrantType,
		ClientID:       cfg.ClientID,
		Timeout:        cfg.HTTPTimeout,
		ClientInfo:     "pkce-session/" + Version,
	})

	clients, err := factory.Get(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, clients: clients}, nil
}

func (a *app) mux() server.MuxConfig {
	return server.MuxConfig{
		Auth:          a.clients.Auth,
		Provider:      a.cfg.Provider,
		RedirectTo:    a.cfg.RedirectTo,
		DisplayName:   a.cfg.ProfileDisplayName,
		RedirectDelay: a.cfg.RedirectDelay,
		Logger:        a.logger,
	}
}

// login serves the callback page until a session is stored, then
// gives the browser time to reach the account page and exits.
func (a *app) login(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.CallbackListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.CallbackListenAddr, err)
	}

	signedIn := make(chan *models.Session, 1)
	unsubscribe := a.clients.Auth.OnAuthStateChange(func(ev models.AuthEvent) {
		if ev.Kind != models.SignedIn {
			return
		}

		select {
		case signedIn <- ev.Session:
		default:
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, cancelServer := context.WithCancel(gctx)

	g.Go(func() error {
		return server.Serve(srvCtx, ln, server.NewMux(a.mux()), a.logger)
	})

	g.Go(func() error {
		defer cancelServer()

		fmt.Printf("Open this address in a browser to sign in:\n\n  http://%s/auth/login\n\n", ln.Addr())

		select {
		case sess := <-signedIn:
			fmt.Printf("Signed in as %s\n", describeUser(sess))

			select {
			case <-time.After(a.cfg.RedirectDelay + time.Second):
			case <-gctx.Done():
			}

			return nil
		case <-gctx.Done():
			return errors.New("login cancelled")
		}
	})

	return g.Wait()
}

func (a *app) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.CallbackListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.CallbackListenAddr, err)
	}

	return server.Serve(ctx, ln, server.NewMux(a.mux()), a.logger)
}

type sessionSummary struct {
	UserID      string `json:"user_id,omitempty"`
	Email       string `json:"email,omitempty"`
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	Stale       bool   `json:"stale,omitempty"`
}

func (a *app) session(ctx context.Context) error {
	sess, err := a.clients.Auth.GetSession(ctx)
	if sess == nil {
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}

		fmt.Println("not signed in")

		return nil
	}

	if err != nil {
		a.logger.Warn("session refresh failed, showing stored session", slog.Any("error", err))
	}

	return printJSON(sessionSummary{
		UserID:      sess.UserID(),
		Email:       gjson.GetBytes(sess.User, "email").String(),
		TokenType:   sess.TokenType,
		AccessToken: logging.MaskToken(sess.AccessToken),
		ExpiresAt:   sess.Expiry().UTC().Format(time.RFC3339),
		Stale:       err != nil,
	})
}

func (a *app) logout(ctx context.Context) error {
	if err := a.clients.Auth.SignOut(ctx); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	fmt.Println("signed out")

	return nil
}

func describeUser(sess *models.Session) string {
	if sess == nil {
		return "unknown user"
	}

	if email := gjson.GetBytes(sess.User, "email").String(); email != "" {
		return email
	}

	if id := sess.UserID(); id != "" {
		return id
	}

	return "unknown user"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
