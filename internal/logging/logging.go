// Package logging provides structured logging for the tally pipeline.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init("info", false) // Text format
//	logging.Init("debug", true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("engine")
//	log.Info("dimension registered", "dimension", "price")
//
//	// Scope a logger to one batch
//	blog := logging.WithBatch(log, batchID)
//	blog.Error("commit failed", "error", err)
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// ParseLevel converts a level name into a slog.Level. Unknown names fall
// back to info.
func ParseLevel(s string) slog.Level {
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

// Init initializes the global logger with the specified level name and
// format. If jsonFormat is true, logs are output as JSON; otherwise,
// human-readable text.
func Init(level string, jsonFormat bool) {
	lvl := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init("info", false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("checkpoint")
//	log.Info("opened") // Output: time=... level=INFO component=checkpoint msg=opened
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init("info", false)
	}
	return Logger.With("component", name)
}

// WithBatch scopes a logger to a single micro-batch.
func WithBatch(log *slog.Logger, batchID int64) *slog.Logger {
	if log == nil {
		log = Component("pipeline")
	}
	return log.With("batch_id", batchID)
}

// WithDimension scopes a logger to a single tracked dimension.
func WithDimension(log *slog.Logger, dimension string) *slog.Logger {
	if log == nil {
		log = Component("engine")
	}
	return log.With("dimension", dimension)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init("info", false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init("info", false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init("info", false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init("info", false)
	}
	Logger.Error(msg, args...)
}
