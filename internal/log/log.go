// Package log is the structured logger used across ticketmarket: a small
// Logger interface over log/slog that attaches otel trace ids, error chains
// and stack traces, and masks ticket secrets (QR codes, buyer emails,
// credentials) before a record is written.
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
	// stamped on every record when set
	App         string
	Version     string
	Commit      string
	Environment string

	Level slog.Level
	// records at or above StacktraceLevel carry a stack, nil means Error
	StacktraceLevel slog.Leveler
	JsonFormat      bool

	IncludeErrorLinks bool
	// zero means 8
	MaxErrorLinks int

	// Redact masks these attribute keys in addition to DefaultRedactKeys
	Redact []string

	// defaults to os.Stdout
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// ParseLevel accepts debug, info, warn (or warning) and error in any case
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}

type nopLogger struct{}

func (nopLogger) With(...any) Logger                           { return nopLogger{} }
func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }

// Nop discards everything. Tests and optional dependencies use it.
func Nop() Logger { return nopLogger{} }
