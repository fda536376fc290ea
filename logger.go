package docwire

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with docwire-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs text-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithWorker adds the worker id field to the logger.
func (l *Logger) WithWorker(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("worker", id),
	}
}

// WithDoc adds the document id field to the logger.
func (l *Logger) WithDoc(docID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("doc", docID),
	}
}

// LogBundle logs the outcome of applying a mutation bundle.
func (l *Logger) LogBundle(ctx context.Context, docID string, size int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bundle apply failed",
			"doc", docID,
			"actions", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "bundle applied",
			"doc", docID,
			"actions", size,
			"duration", duration,
		)
	}
}

// LogConnection logs a negotiated client connection.
func (l *Logger) LogConnection(ctx context.Context, docID string) {
	l.DebugContext(ctx, "client connected", "doc", docID)
}
