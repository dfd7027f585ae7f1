// Package logging provides structured logging for fleetbus sessions.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns a child logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// Common attribute keys for consistent logging.
const (
	KeyIdentity      = "identity"
	KeyPeer          = "peer"
	KeyCorrelationID = "correlation_id"
	KeyMessageType   = "message_type"
	KeyQueue         = "queue"
	KeyExchange      = "exchange"
	KeyTag           = "tag"
	KeySharedKeyID   = "shared_key_id"
	KeyError         = "error"
	KeyComponent     = "component"
	KeyDuration      = "duration"
	KeyCount         = "count"
	KeyReason        = "reason"
)
