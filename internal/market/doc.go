// Package market serves the ticket marketplace JSON API. Every route runs
// behind a named rate limit policy; the policy names live in package policy.
package market
