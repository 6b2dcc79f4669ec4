package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
	"github.com/alexjbarnes/pkce-session/internal/state"
)

// Config holds all environment-based configuration for pkce-session.
type Config struct {
	// Backend credentials. Both are required before any network call.
	SupabaseURL     string `env:"SUPABASE_URL"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY"`

	// OAuth sign-in. RedirectTo defaults to the loopback callback page.
	RedirectTo string `env:"OAUTH_REDIRECT_TO"`
	Provider   string `env:"OAUTH_PROVIDER" envDefault:"github"`
	ClientID   string `env:"OAUTH_CLIENT_ID"`
	GrantType  string `env:"TOKEN_GRANT_TYPE" envDefault:"pkce"`

	PersistSession   bool `env:"PERSIST_SESSION" envDefault:"true"`
	AutoRefreshToken bool `env:"AUTO_REFRESH_TOKEN" envDefault:"true"`

	// Durable state. StateDBPath defaults to ~/.pkce-session/state.db.
	StateDBPath           string `env:"STATE_DB_PATH"`
	SessionSealPassphrase string `env:"SESSION_SEAL_PASSPHRASE"`

	// Loopback callback server.
	CallbackListenAddr string        `env:"CALLBACK_LISTEN_ADDR" envDefault:"127.0.0.1:54321"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	RedirectDelay      time.Duration `env:"REDIRECT_DELAY" envDefault:"600ms"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// AuthDebug forces debug logging of the auth flow in production.
	// Tokens are masked either way.
	AuthDebug bool `env:"AUTH_DEBUG" envDefault:"false"`

	// ProfileDisplayName is shown on the account page when the profile
	// has no name.
	ProfileDisplayName string `env:"PROFILE_DISPLAY_NAME" envDefault:"Guest"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDBPath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = p
	}

	absPath, err := filepath.Abs(cfg.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("resolving state db path to absolute path: %w", err)
	}

	cfg.StateDBPath = absPath

	if cfg.RedirectTo == "" {
		cfg.RedirectTo = "http://" + cfg.CallbackListenAddr + "/auth/callback.html"
	}

	return cfg, nil
}

// normalize trims whitespace and trailing slashes from URLs.
func (c *Config) normalize() {
	c.SupabaseURL = strings.TrimRight(strings.TrimSpace(c.SupabaseURL), "/")
	c.SupabaseAnonKey = strings.TrimSpace(c.SupabaseAnonKey)
	c.RedirectTo = strings.TrimSpace(c.RedirectTo)
	c.Provider = strings.TrimSpace(c.Provider)
	c.GrantType = strings.ToLower(strings.TrimSpace(c.GrantType))

	if c.ProfileDisplayName = strings.TrimSpace(c.ProfileDisplayName); c.ProfileDisplayName == "" {
		c.ProfileDisplayName = "Guest"
	}
}

func (c *Config) validate() error {
	if c.SupabaseURL == "" {
		return fmt.Errorf("%w: SUPABASE_URL is required", autherrors.ErrConfiguration)
	}

	if c.SupabaseAnonKey == "" {
		return fmt.Errorf("%w: SUPABASE_ANON_KEY is required", autherrors.ErrConfiguration)
	}

	u, err := url.Parse(c.SupabaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: SUPABASE_URL must be an absolute http(s) URL", autherrors.ErrConfiguration)
	}

	if c.RedirectTo != "" {
		if r, err := url.Parse(c.RedirectTo); err != nil || r.Scheme == "" || r.Host == "" {
			return fmt.Errorf("%w: OAUTH_REDIRECT_TO must be an absolute URL", autherrors.ErrConfiguration)
		}
	}

	switch c.GrantType {
	case "pkce":
	case "authorization_code":
		if c.ClientID == "" {
			return fmt.Errorf("%w: OAUTH_CLIENT_ID is required when TOKEN_GRANT_TYPE is authorization_code", autherrors.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: TOKEN_GRANT_TYPE must be pkce or authorization_code", autherrors.ErrConfiguration)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: HTTP_TIMEOUT must be positive", autherrors.ErrConfiguration)
	}

	if c.RedirectDelay < 0 {
		return fmt.Errorf("%w: REDIRECT_DELAY must not be negative", autherrors.ErrConfiguration)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
