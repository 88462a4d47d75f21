// Package log is the structured logger used across the server.
//
// Every call takes a context so trace and span IDs from OpenTelemetry end up
// on the record. Errors logged at or above the stack level carry the stack
// captured by internal/xerrors when there is one.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Level   slog.Level
	// StackLevel is the lowest level that gets a "stack" attribute, error by default
	StackLevel slog.Level
	JSON       bool
	// ErrorLinks adds an "error_links" attribute with the wrap site of each
	// error in the chain, up to MaxErrorLinks
	ErrorLinks    bool
	MaxErrorLinks int
	Writer        io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
