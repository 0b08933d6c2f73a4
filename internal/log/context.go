package log

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

// held boxes the process logger so atomic.Pointer can swap implementations
type held struct{ l Logger }

var process atomic.Pointer[held]

// SetDefault installs the logger FromContext falls back to when a context
// carries none, typically background work started outside a request. nil
// restores Nop.
func SetDefault(l Logger) {
	if l == nil {
		process.Store(nil)
		return
	}
	process.Store(&held{l: l})
}

// Default returns the logger installed by SetDefault, or Nop
func Default() Logger {
	if h := process.Load(); h != nil {
		return h.l
	}
	return Nop()
}

// WithContext returns a child of ctx carrying l
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request logger in ctx, else Default
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Default()
}
