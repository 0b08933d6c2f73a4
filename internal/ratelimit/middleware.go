package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/ticketmarket/internal/httpmw"
)

// DeniedMessage is the error text returned to rate limited clients
const DeniedMessage = "Too many requests. Please try again later."

// resetLayout is ISO-8601 with millisecond precision, always UTC ("Z")
const resetLayout = "2006-01-02T15:04:05.000Z07:00"

// KeyFunc derives the client identifier a request is counted against
type KeyFunc func(*http.Request) string

// deniedBody is the JSON body of a 429 response
type deniedBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// RequestKey prefers the key resolved by the httpmw.ClientIP middleware and
// falls back to deriving it from the request headers.
func RequestKey(r *http.Request) string {
	if k := httpmw.ClientIPFromContext(r.Context()); k != "" {
		return k
	}
	return httpmw.ClientKey(r)
}

// Middleware rejects requests over the limit with 429 using RequestKey
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return l.Guard(nil)(next)
}

// Guard returns middleware enforcing this limiter with a custom key function.
// A nil keyFn uses RequestKey.
func (l *Limiter) Guard(keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = RequestKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(keyFn(r))
			if !d.Allowed {
				annotateDenied(r, d)
				WriteDenied(w, d)
				return
			}
			setLimitHeaders(w.Header(), d)
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDenied writes the ready-made 429 response for a denied decision
func WriteDenied(w http.ResponseWriter, d Decision) {
	body, _ := json.Marshal(deniedBody{Error: DeniedMessage, RetryAfter: d.RetryAfter})

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Retry-After", strconv.Itoa(d.RetryAfter))
	setLimitHeaders(h, d)
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
}

func setLimitHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", FormatReset(d.ResetAt))
}

// FormatReset renders a window reset time the way X-RateLimit-Reset carries it
func FormatReset(t time.Time) string {
	return t.UTC().Format(resetLayout)
}

// annotateDenied records the denial on the active span, if recording
func annotateDenied(r *http.Request, d Decision) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}
	span.AddEvent("ratelimit.denied", trace.WithAttributes(
		attribute.Int("ratelimit.limit", d.Limit),
		attribute.Int("ratelimit.retry_after", d.RetryAfter),
		attribute.String("ratelimit.reset", FormatReset(d.ResetAt)),
	))
}
