package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/m-mizutani/masq"
)

// NewLogger builds the process-wide slog.Logger from cfg, redacting
// authentication secrets (the -b/-d credential strings, and any
// Authorization/WWW-Authenticate header value a caller logs) before they
// reach the sink, via masq field-name redaction.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter is NewLogger with an explicit writer, split out for
// test use.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *slog.Logger {
	redactor := masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("credentials"),
		masq.WithFieldName("Authorization"),
		masq.WithFieldName("WWW-Authenticate"),
		masq.WithFieldName("digest"),
	)

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactor,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
