package ratelimit

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// DefaultSweepThreshold is the store size above which Check starts sweeping expired counters
	DefaultSweepThreshold = 1000

	// DefaultSweepEvery gates the in-line sweep to one out of every N checks once over the threshold
	DefaultSweepEvery = 100
)

// Config is the policy enforced by one Limiter: at most MaxRequests per Window per client key.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// ConfigError reports an invalid limiter configuration. It is returned at
// construction time; a Limiter never exists with a bad config.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratelimit: invalid %s %v (%s)", e.Field, e.Value, e.Reason)
}

// Validate returns a *ConfigError if the window or max is not positive
func (c Config) Validate() error {
	if c.Window <= 0 {
		return &ConfigError{Field: "Window", Value: c.Window, Reason: "must be > 0"}
	}
	if c.MaxRequests < 1 {
		return &ConfigError{Field: "MaxRequests", Value: c.MaxRequests, Reason: "must be >= 1"}
	}
	return nil
}

// Decision is the outcome of a single Check.
// When Allowed is false the request must be rejected with 429 and the
// retry metadata below; Remaining is always 0 on denial.
type Decision struct {
	Allowed bool
	// Limit is the configured MaxRequests
	Limit int
	// Remaining requests in the current window
	Remaining int
	// RetryAfter is whole seconds until the window resets, rounded up (0 when allowed)
	RetryAfter int
	// ResetAt is when the current window ends
	ResetAt time.Time
}

// Limiter enforces a single fixed-window policy over a Store.
// Build one per policy at startup and reuse it for every request sharing
// that policy; a fresh Limiter per request would never deny anything.
type Limiter struct {
	cfg    Config
	store  *Store
	prefix string
	now    func() time.Time

	sweepThreshold int
	sweepEvery     uint64
	checks         atomic.Uint64

	// OnDenied is called on every denied check, used for prometheus counters
	OnDenied func(key string)

	// OnFirstDenied is called once per client window on the first denial, used for logging
	OnFirstDenied func(key string)

	// OnSweep is called after an in-line sweep removed at least one counter
	OnSweep func(removed int)
}

type Option func(*Limiter)

// WithStore shares an existing store instead of allocating a private one
func WithStore(s *Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

// WithKeyPrefix namespaces this limiter's keys inside a shared store
func WithKeyPrefix(p string) Option {
	return func(l *Limiter) {
		l.prefix = p
	}
}

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweep sets the in-line eviction gate: once the store holds more than
// threshold counters, every Nth check sweeps expired entries.
// every <= 0 disables the in-line sweep entirely.
func WithSweep(threshold, every int) Option {
	return func(l *Limiter) {
		l.sweepThreshold = threshold
		if every <= 0 {
			l.sweepEvery = 0
		} else {
			l.sweepEvery = uint64(every)
		}
	}
}

func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

func WithOnSweep(fn func(removed int)) Option {
	return func(l *Limiter) {
		l.OnSweep = fn
	}
}

// New validates cfg and returns a Limiter. A non-positive window or max is a
// programming error and is reported as *ConfigError, never clamped.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:            cfg,
		now:            time.Now,
		sweepThreshold: DefaultSweepThreshold,
		sweepEvery:     DefaultSweepEvery,
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewStore()
	}
	return l, nil
}

// Config returns the policy this limiter enforces
func (l *Limiter) Config() Config { return l.cfg }

// Store returns the backing counter store
func (l *Limiter) Store() *Store { return l.store }

// Check records a request for key and decides whether it may proceed.
//
// A missing counter, or one whose window has reached resetAt, is replaced by
// a fresh window with count 1. Otherwise the count is incremented and the
// request is denied once it exceeds MaxRequests. Once denied, further checks
// in the same window leave the count at MaxRequests+1.
func (l *Limiter) Check(key string) Decision {
	now := l.now()
	k := l.prefix + key
	s := l.store

	s.mu.Lock()

	swept := 0
	if l.shouldSweep(len(s.counters)) {
		swept = s.sweepLocked(now)
	}

	c, ok := s.counters[k]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{count: 1, resetAt: now.Add(l.cfg.Window)}
		s.counters[k] = c
	} else if c.count <= l.cfg.MaxRequests {
		c.count++
	}

	d := Decision{
		Allowed: c.count <= l.cfg.MaxRequests,
		Limit:   l.cfg.MaxRequests,
		ResetAt: c.resetAt,
	}
	firstDenial := false
	if d.Allowed {
		d.Remaining = l.cfg.MaxRequests - c.count
	} else {
		d.RetryAfter = ceilSeconds(c.resetAt.Sub(now))
		firstDenial = !c.denied
		c.denied = true
	}

	// release before hooks, they may log or touch metrics
	s.mu.Unlock()

	if swept > 0 && l.OnSweep != nil {
		l.OnSweep(swept)
	}
	if !d.Allowed {
		if firstDenial && l.OnFirstDenied != nil {
			l.OnFirstDenied(key)
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
	}
	return d
}

// Allow is Check reduced to the allow/deny bit
func (l *Limiter) Allow(key string) bool {
	return l.Check(key).Allowed
}

// count returns the stored count for key, or 0 if there is none
func (l *Limiter) count(key string) int {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if c, ok := l.store.counters[l.prefix+key]; ok {
		return c.count
	}
	return 0
}

// shouldSweep must be called with the store lock held
func (l *Limiter) shouldSweep(size int) bool {
	if l.sweepEvery == 0 {
		return false
	}
	n := l.checks.Add(1)
	return size > l.sweepThreshold && n%l.sweepEvery == 0
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
