package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates key/value pairs over the course of an operation
// and attaches them to every subsequent log line.
type LoggerContext struct {
	mu     sync.Mutex
	base   *Logger
	fields []any
}

// NewLoggerContext wraps base so fields can be added as an operation progresses.
func NewLoggerContext(base *Logger) *LoggerContext {
	return &LoggerContext{base: base}
}

// Add appends key/value pairs that are included in all later log calls.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	lc.fields = append(lc.fields, args...)
	lc.mu.Unlock()
}

func (lc *LoggerContext) args(args []any) []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make([]any, 0, len(lc.fields)+len(args))
	out = append(out, lc.fields...)
	return append(out, args...)
}

// Debug logs at LevelDebug including accumulated fields.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, 3, msg, lc.args(args)...)
}

// Info logs at LevelInfo including accumulated fields.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, 3, msg, lc.args(args)...)
}

// Warn logs at LevelWarn including accumulated fields.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, 3, msg, lc.args(args)...)
}

// Error logs at LevelError including accumulated fields.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, 3, msg, lc.args(args)...)
}
