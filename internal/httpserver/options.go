package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ticketmarket/internal/health"
	"github.com/keithlinneman/ticketmarket/internal/httpmw"
	"github.com/keithlinneman/ticketmarket/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. to increment prometheus counters
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Checker
	Readiness    health.Checker

	// APIRoutes registers the application routes, each route carries its own
	// rate limit guard
	APIRoutes func(chi.Router)

	// NotFound serves unmatched routes and methods, default is a JSON 404/405
	NotFound http.Handler

	// RateLimitMW is an optional limiter applied to every request before routing
	RateLimitMW func(http.Handler) http.Handler

	PolicyInfo   httpmw.PolicyInfo // For X-RateLimit-Policy-Version and X-RateLimit-Policy headers
	MaxBodyBytes int64             // 0 uses DefaultMaxBodyBytes
}
