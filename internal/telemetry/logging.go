// Package telemetry builds the process logger: JSON lines to
// <home>/logs/system.jsonl (and stdout unless quiet) with secret redaction.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/agentq/internal/shared"
)

var sensitiveKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// NewLogger opens the system log under homeDir and returns a logger tagged
// with component=agentq. The returned closer releases the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(w, ParseLevel(level))).With("component", "agentq", "trace_id", "-")
	return logger, file, nil
}

// NewHandler returns the redacting JSON handler used by NewLogger.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		if strings.Contains(strings.ToLower(v), "bearer ") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if redacted := shared.Redact(v); redacted != v {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// With returns logger annotated with the correlation ids carried by ctx.
func With(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(shared.LogAttrs(ctx)...)
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
