package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownPolicy is returned when a policy name has no limiter
var ErrUnknownPolicy = errors.New("ratelimit: unknown policy")

// RegistryOptions configures every limiter built by a Registry
type RegistryOptions struct {
	// Store shared by all limiters, a new one is created if nil
	Store *Store

	// Clock overrides time.Now
	Clock func() time.Time

	// SweepThreshold and SweepEvery configure the in-line eviction gate.
	// Zero values use DefaultSweepThreshold / DefaultSweepEvery. A negative
	// SweepThreshold sweeps whenever the gate fires regardless of store size,
	// a negative SweepEvery disables the in-line sweep.
	SweepThreshold int
	SweepEvery     int

	// KeyFunc derives client keys in Guard, nil uses RequestKey
	KeyFunc KeyFunc

	OnDenied      func(policy, key string)
	OnFirstDenied func(policy, key string)
	OnSweep       func(removed int)
}

// Registry memoizes one Limiter per named policy over a shared Store.
// Routes look limiters up by name so policy data can be swapped at runtime
// without rebuilding the router.
type Registry struct {
	opts  RegistryOptions
	store *Store

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry builds a limiter for every policy. Any invalid policy fails
// the whole registry.
func NewRegistry(policies map[string]Config, opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.SweepThreshold == 0 {
		opts.SweepThreshold = DefaultSweepThreshold
	}
	if opts.SweepEvery == 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = RequestKey
	}
	r := &Registry{
		opts:     opts,
		store:    opts.Store,
		limiters: make(map[string]*Limiter, len(policies)),
	}
	if err := r.Replace(policies); err != nil {
		return nil, err
	}
	return r, nil
}

// Store returns the counter store shared by all limiters
func (r *Registry) Store() *Store { return r.store }

// Limiter returns the limiter for a policy name
func (r *Registry) Limiter(name string) (*Limiter, error) {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPolicy, name)
	}
	return l, nil
}

// Require returns an error naming every policy that is not registered
func (r *Registry) Require(names ...string) error {
	var errs []error
	for _, n := range names {
		if _, err := r.Limiter(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Names returns the registered policy names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.limiters))
	for n := range r.limiters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Replace installs a new policy set. Limiters whose config is unchanged are
// kept as-is. Changed policies get a new limiter in the same key namespace,
// so open windows finish under the new maximum. Policies missing from the
// new set are dropped and their counters age out through sweeps.
// On error nothing is replaced.
func (r *Registry) Replace(policies map[string]Config) error {
	var errs []error
	for name, cfg := range policies {
		if name == "" {
			errs = append(errs, &ConfigError{Field: "policy name", Value: `""`, Reason: "must not be empty"})
			continue
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Limiter, len(policies))
	for name, cfg := range policies {
		if cur, ok := r.limiters[name]; ok && cur.cfg == cfg {
			next[name] = cur
			continue
		}
		l, err := New(cfg, r.limiterOptions(name)...)
		if err != nil {
			// unreachable, validated above
			return err
		}
		next[name] = l
	}
	r.limiters = next
	return nil
}

// Reset clears all counters for all policies
func (r *Registry) Reset() { r.store.Reset() }

// Guard returns middleware enforcing the named policy. The limiter is looked
// up per request; an unknown policy fails closed with 500.
func (r *Registry) Guard(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			l, err := r.Limiter(name)
			if err != nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit policy unavailable"})
				return
			}
			if span := trace.SpanFromContext(req.Context()); span.IsRecording() {
				span.SetAttributes(attribute.String("ratelimit.policy", name))
			}
			l.Guard(r.opts.KeyFunc)(next).ServeHTTP(w, req)
		})
	}
}

func (r *Registry) limiterOptions(name string) []Option {
	threshold := r.opts.SweepThreshold
	if threshold < 0 {
		threshold = 0
	}
	opts := []Option{
		WithStore(r.store),
		WithKeyPrefix(name + ":"),
		WithClock(r.opts.Clock),
		WithSweep(threshold, r.opts.SweepEvery),
		WithOnSweep(r.opts.OnSweep),
	}
	if fn := r.opts.OnDenied; fn != nil {
		opts = append(opts, WithOnDenied(func(key string) { fn(name, key) }))
	}
	if fn := r.opts.OnFirstDenied; fn != nil {
		opts = append(opts, WithOnFirstDenied(func(key string) { fn(name, key) }))
	}
	return opts
}
