package policy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/cryptoutil"
	"github.com/keithlinneman/ticketmarket/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new hash.
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 10 * time.Minute
)

type pollResult int

const (
	pollNoChange   pollResult = iota // SSM hash matches current
	pollSwapped                      // new document loaded and installed
	pollSSMError                     // SSM fetch failed, caller backs off
	pollLoadError                    // download, verify or parse failed
	pollApplyError                   // registry rejected the new policies
)

// Fetcher is what the Watcher needs from a Loader
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObservePolicyLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Manager      *Manager
	PollInterval time.Duration

	// OnSwap runs on the poll goroutine after a new snapshot is active
	OnSwap func(snap Snapshot)

	Metrics WatcherMetrics

	// StaleThreshold is how long SSM may fail before the policies are
	// reported stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls for policy document changes and installs them
type Watcher struct {
	loader   Fetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	onSwap   func(snap Snapshot)
	metrics  WatcherMetrics
	now      func() time.Time

	currentHash string

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

// NewWatcher creates a watcher seeded with the manager's active hash
func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	// only a remote document can be "current", file and defaults always
	// get replaced by the first successful poll
	currentHash := ""
	if snap, ok := opts.Manager.Get(); ok && snap.Meta.Source == SourceS3 {
		currentHash = snap.Meta.SHA256
	}

	return &Watcher{
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		now:            time.Now,
		currentHash:    currentHash,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			if next := w.step(ctx, w.checkOnce(ctx)); next > 0 {
				ticker.Reset(next)
			}
		}
	}
}

// step applies backoff and staleness bookkeeping after a poll.
// Returns a new ticker interval, or 0 to keep the current one.
func (w *Watcher) step(ctx context.Context, result pollResult) time.Duration {
	var next time.Duration
	if result == pollSSMError {
		w.consecutiveErrs++
		next = w.backoffDuration()
		w.logger.Warn(ctx, "policy watcher: backing off",
			"consecutive_errors", w.consecutiveErrs,
			"next_poll_in", next.String(),
		)
	} else if w.consecutiveErrs > 0 {
		w.logger.Info(ctx, "policy watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		next = w.interval
	}

	if result != pollSSMError {
		if w.staleLogged {
			w.logger.Info(ctx, "policy watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetWatcherStale(false)
			}
		}
	} else if since := w.now().Sub(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
		w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
			"policy watcher: policies are stale, unable to verify freshness",
		)
		w.staleLogged = true
		if w.metrics != nil {
			w.metrics.SetWatcherStale(true)
		}
	}
	return next
}

// checkOnce performs a single poll-compare-swap cycle
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSSMError
	}

	now := w.now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	w.logger.Info(ctx, "policy watcher: new document hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	loadStart := time.Now()
	snap, err := w.loader.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObservePolicyLoadDuration(time.Since(loadStart).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: failed to load document",
			"hash", truncHash(hash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}

	if err := w.manager.Apply(*snap); err != nil {
		w.logger.Error(ctx, err, "policy watcher: new policies rejected, keeping current",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("apply")
		}
		return pollApplyError
	}

	oldHash := w.currentHash
	w.currentHash = hash
	w.swapCount++

	w.logger.Info(ctx, "policy watcher: policies swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"version", snap.Meta.Version,
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"policy watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(*snap)
		}()
	}

	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
