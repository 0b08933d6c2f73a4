package log

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// throttledLogger drops Debug/Info/Warn records beyond one per interval.
// Errors are never dropped. Children created with With share the budget.
type throttledLogger struct {
	next Logger
	s    *rate.Sometimes
}

// Throttled wraps l so that hot paths (per-request denials, capacity
// warnings) emit at most one non-error record per interval. A non-positive
// interval returns l unchanged.
func Throttled(l Logger, interval time.Duration) Logger {
	if interval <= 0 {
		return l
	}
	return &throttledLogger{next: l, s: &rate.Sometimes{First: 1, Interval: interval}}
}

func (t *throttledLogger) With(kv ...any) Logger {
	return &throttledLogger{next: t.next.With(kv...), s: t.s}
}

func (t *throttledLogger) Debug(ctx context.Context, msg string, kv ...any) {
	t.s.Do(func() { t.next.Debug(ctx, msg, kv...) })
}

func (t *throttledLogger) Info(ctx context.Context, msg string, kv ...any) {
	t.s.Do(func() { t.next.Info(ctx, msg, kv...) })
}

func (t *throttledLogger) Warn(ctx context.Context, msg string, kv ...any) {
	t.s.Do(func() { t.next.Warn(ctx, msg, kv...) })
}

func (t *throttledLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	t.next.Error(ctx, err, msg, kv...)
}

func (t *throttledLogger) Sync() error { return t.next.Sync() }
