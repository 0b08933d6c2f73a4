// Package ratelimit provides fixed-window, per-client request limiting with
// opportunistic eviction of expired counters.
//
// Each Limiter enforces one policy (window length + max requests). A client
// identifier gets a counter when it first appears or when its previous
// window has expired; exactly MaxRequests requests are allowed per window and
// the next one is denied with retry metadata until the window resets.
//
// This is a single-instance, in-memory limiter. State is not shared between
// processes, so N instances behind a load balancer allow N*MaxRequests per
// window unless clients are pinned. Counters do not survive a restart.
//
// Fixed windows allow short bursts of up to 2*MaxRequests straddling a window
// edge. That is a property of the algorithm and is accepted here.
package ratelimit
