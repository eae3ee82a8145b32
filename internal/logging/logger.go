package logging

import (
	"log/slog"
	"os"
)

// Logger is the application-wide structured logger instance.
var Logger *slog.Logger

// InitLogger initializes the global logger with the specified level and format.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func InitLogger(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// base returns the configured logger, or the process default when
// InitLogger has not run (library code and tests must not depend on
// main's init order).
func base() *slog.Logger {
	if Logger != nil {
		return Logger
	}
	return slog.Default()
}

// WithWorkspace returns a logger with workspace_id field.
func WithWorkspace(workspaceID string) *slog.Logger {
	return base().With("workspace_id", workspaceID)
}

// WithConnection returns a logger with connection_id field.
func WithConnection(connectionID string) *slog.Logger {
	return base().With("connection_id", connectionID)
}

// WithError returns a logger with error field.
func WithError(err error) *slog.Logger {
	return base().With("error", err)
}
