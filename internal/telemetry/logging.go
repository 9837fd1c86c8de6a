// Package telemetry builds the process logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/tasksync/internal/shared"
)

// LogFile is the JSON lines log under <home>/logs.
const LogFile = "tasksync.jsonl"

// NewLogger returns a JSON logger writing to <homeDir>/logs/tasksync.jsonl
// and, unless quiet, to stdout as well. The closer closes the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return newLogger(w, ParseLevel(level)), file, nil
}

func newLogger(w io.Writer, lvl slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "tasksync")
}

// ForRequest returns logger annotated with the request identity carried
// on ctx. Missing values are left out.
func ForRequest(ctx context.Context, logger *slog.Logger) *slog.Logger {
	var attrs []any
	if v := shared.TraceID(ctx); v != "-" {
		attrs = append(attrs, "trace_id", v)
	}
	if v := shared.ActorID(ctx); v != "" {
		attrs = append(attrs, "actor", v)
	}
	if v := shared.ClientID(ctx); v != "" {
		attrs = append(attrs, "client_id", v)
	}
	if v := shared.Method(ctx); v != "" {
		attrs = append(attrs, "method", v)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	if strings.Contains(strings.ToLower(v), "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level; unknown names are info.
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
