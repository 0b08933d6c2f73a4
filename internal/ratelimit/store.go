package ratelimit

import (
	"context"
	"sync"
	"time"
)

// counter is the per-identifier window state
type counter struct {
	count   int
	resetAt time.Time
	// denied tracks whether the first-denial hook already fired for this window
	denied bool
}

// Store holds window counters for one or more limiters. It is owned by the
// hosting process: create it once at startup and pass it to every limiter
// that should share it. Limiters sharing a store must use distinct key
// prefixes (Registry handles this).
type Store struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// NewStore returns an empty counter store
func NewStore() *Store {
	return &Store{counters: make(map[string]*counter)}
}

// Len reports how many counters are currently held, expired or not
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Reset drops every counter. Used at shutdown and by tests.
func (s *Store) Reset() {
	s.mu.Lock()
	s.counters = make(map[string]*counter)
	s.mu.Unlock()
}

// Sweep removes counters whose window ended strictly before now and returns
// how many were removed. Live counters are never touched.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for k, c := range s.counters {
		if c.resetAt.Before(now) {
			delete(s.counters, k)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps the store every interval until ctx is cancelled.
// onSweep (optional) receives the number of counters removed per pass.
// This bounds memory for idle keys that never come back to trigger the
// in-line sweep.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n := s.Sweep(now)
			if n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}
