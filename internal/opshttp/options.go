package opshttp

import (
	"net/http"

	"github.com/keithlinneman/ticketmarket/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Checker
	Readiness   health.Checker

	// Policies serves the active rate limit policy set, optional
	Policies http.Handler

	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. to increment prometheus counters
}
