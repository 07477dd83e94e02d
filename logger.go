package upsertmeta

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with upsert-specific context.
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

// WithPartition adds table and partition fields to the logger.
func (l *Logger) WithPartition(table string, partition int) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", table, "partition", partition),
	}
}

// WithSegment adds a segment field to the logger.
func (l *Logger) WithSegment(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("segment", name),
	}
}

// LogAddSegment logs a segment add.
func (l *Logger) LogAddSegment(ctx context.Context, segment string, records int, skipped bool) {
	if skipped {
		l.InfoContext(ctx, "segment outside metadata TTL, tracked without records",
			"segment", segment,
		)
	} else {
		l.DebugContext(ctx, "segment added",
			"segment", segment,
			"records", records,
		)
	}
}

// LogReplaceSegment logs a segment replacement.
func (l *Logger) LogReplaceSegment(ctx context.Context, oldSegment, newSegment string, records int) {
	l.InfoContext(ctx, "segment replaced",
		"old_segment", oldSegment,
		"new_segment", newSegment,
		"records", records,
	)
}

// LogRemoveSegment logs a segment removal.
func (l *Logger) LogRemoveSegment(ctx context.Context, segment string, removedKeys int) {
	l.InfoContext(ctx, "segment removed",
		"segment", segment,
		"removed_keys", removedKeys,
	)
}

// LogPreload logs a segment preload.
func (l *Logger) LogPreload(ctx context.Context, segment string, records int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "preload failed",
			"segment", segment,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "segment preloaded",
			"segment", segment,
			"records", records,
		)
	}
}

// LogExpiredKeysRemoval logs a deleted-keys TTL sweep.
func (l *Logger) LogExpiredKeysRemoval(ctx context.Context, removed int, cutoff float64) {
	l.InfoContext(ctx, "expired primary keys removed",
		"removed", removed,
		"cutoff", cutoff,
	)
}

// LogClose logs manager close.
func (l *Logger) LogClose(ctx context.Context, watermark float64, persisted bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "manager closed",
			"watermark", watermark,
			"persisted", persisted,
		)
	}
}
