package memdb

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with memdb-specific context.
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

// NewTextLogger creates a Logger that outputs human-readable text logs.
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

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", table),
	}
}

// WithKey adds a record key field to the logger.
func (l *Logger) WithKey(key string) *Logger {
	return &Logger{
		Logger: l.Logger.With("key", key),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, table, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"table", table,
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"table", table,
			"key", key,
		)
	}
}

// LogFlush logs a flush pass.
func (l *Logger) LogFlush(ctx context.Context, table string, records int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"table", table,
			"error", err,
		)
	} else if records > 0 {
		l.InfoContext(ctx, "flush completed",
			"table", table,
			"records", records,
		)
	}
}

// LogEvict logs an eviction pass.
func (l *Logger) LogEvict(ctx context.Context, evicted int) {
	if evicted > 0 {
		l.InfoContext(ctx, "evicted idle records",
			"count", evicted,
		)
	}
}

// LogMaintenanceError logs a failed maintenance iteration. The loop carries
// on; a single bad iteration never terminates background maintenance.
func (l *Logger) LogMaintenanceError(ctx context.Context, loop string, err error) {
	l.ErrorContext(ctx, "maintenance iteration failed",
		"loop", loop,
		"error", err,
	)
}

// LogLifecycle logs a start/stop transition.
func (l *Logger) LogLifecycle(ctx context.Context, event string, flushInterval, evictInterval time.Duration) {
	l.InfoContext(ctx, event,
		"flush_interval", flushInterval,
		"evict_interval", evictInterval,
	)
}
