package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyInfo reports which rate limit policy document is being enforced
type PolicyInfo interface {
	PolicyVersion() string
	PolicyHash() string
}

// PolicyHeaders adds X-RateLimit-Policy-Version and X-RateLimit-Policy
// (short document hash) to every response so clients and support can tell
// which limits applied to a request.
func PolicyHeaders(info PolicyInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := info.PolicyVersion()
			h := info.PolicyHash()
			if v != "" {
				w.Header().Set("X-RateLimit-Policy-Version", v)
			}
			if h != "" {
				short := h
				if len(short) > 12 {
					short = short[:12]
				}
				w.Header().Set("X-RateLimit-Policy", short)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				if v != "" {
					span.SetAttributes(attribute.String("ratelimit.policy_version", v))
				}
				if h != "" {
					span.SetAttributes(attribute.String("ratelimit.policy_hash", h))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
