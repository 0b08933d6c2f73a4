package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const defaultMaxErrorLinks = 8

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr

	errorLinks    bool
	maxErrorLinks int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	stackAt := opts.StacktraceLevel
	if stackAt == nil {
		stackAt = slog.LevelError
	}

	hopts := &slog.HandlerOptions{
		Level:       opts.Level,
		AddSource:   true,
		ReplaceAttr: newRedactor(opts.Redact).replace,
	}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}

	maxLinks := opts.MaxErrorLinks
	if maxLinks <= 0 {
		maxLinks = defaultMaxErrorLinks
	}

	return &slogLogger{
		h:             enrichHandler{next: h, stackAt: stackAt},
		attrs:         buildAttrs(opts),
		errorLinks:    opts.IncludeErrorLinks,
		maxErrorLinks: maxLinks,
	}, nil
}

// buildAttrs identifies the running build on every record
func buildAttrs(opts Options) []slog.Attr {
	var out []slog.Attr
	for _, kv := range [][2]string{
		{"app", opts.App},
		{"version", opts.Version},
		{"commit", opts.Commit},
		{"env", opts.Environment},
	} {
		if kv[1] != "" {
			out = append(out, slog.String(kv[0], kv[1]))
		}
	}
	return out
}

// appendKV converts alternating key/value pairs. Non-string keys and a
// trailing key without a value are dropped.
func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

func (s *slogLogger) With(kv ...any) Logger {
	// fresh slice so siblings never share a backing array
	attrs := make([]slog.Attr, len(s.attrs), len(s.attrs)+len(kv)/2)
	copy(attrs, s.attrs)
	child := *s
	child.attrs = appendKV(attrs, kv)
	return &child
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, s.errorAttrs(err)...)
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// runtime.Callers, log, the level method
	var pc [1]uintptr
	runtime.Callers(3, pc[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// enrichHandler adds the otel trace and span ids, and a stack for records at
// or above stackAt
type enrichHandler struct {
	next    slog.Handler
	stackAt slog.Leveler
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackAt.Level() {
		if st := recordStack(r); st != "" {
			r.AddAttrs(slog.String("stack", st))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackAt: h.stackAt}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackAt: h.stackAt}
}
