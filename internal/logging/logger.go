package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Logs go to stderr so command output on stdout stays machine-readable.
// Production uses JSON format at Info level, development uses
// human-readable text at Debug level. debugAuth forces Debug level in
// production so the auth flow can be traced without switching formats.
func NewLogger(env string, debugAuth bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		if debugAuth {
			opts.Level = slog.LevelDebug
		}

		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
