// Package logging configures slog for the gate's binaries. Output is JSON
// unless LOG_FORMAT=text; LOG_LEVEL picks debug, info, warn or error.
// Approval codes and bearer tokens are never written: attributes with a
// secret key are replaced before any handler sees them.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

const redacted = "[redacted]"

// secretKeys are attribute keys whose values must not reach logs.
var secretKeys = map[string]bool{
	"code":          true,
	"approval_code": true,
	"token":         true,
	"authorization": true,
}

// Init installs the default logger for service and routes the standard
// library's log package through it. w defaults to stderr.
func Init(service string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       levelFromEnv(os.Getenv("LOG_LEVEL")),
		ReplaceAttr: redact,
	}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "text") {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	log.SetFlags(0)
	log.SetOutput(stdlogWriter{logger: logger})
	return logger
}

func levelFromEnv(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func redact(groups []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// stdlogWriter forwards log.Printf output from dependencies as info records.
type stdlogWriter struct {
	logger *slog.Logger
}

func (w stdlogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), slog.String("source", "stdlib"))
	return len(p), nil
}

// ForPlan returns a logger carrying plan and execution identifiers. Empty
// identifiers are omitted.
func ForPlan(logger *slog.Logger, planID, executionID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	var attrs []any
	if planID != "" {
		attrs = append(attrs, slog.String("plan_id", planID))
	}
	if executionID != "" {
		attrs = append(attrs, slog.String("execution_id", executionID))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
