package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter records the status and body size the handler produced
type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// code is the status sent, 200 when the handler wrote nothing
func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// unmatchedRoute labels requests no chi route matched, raw paths are never
// used as label values
const unmatchedRoute = "unmatched"

// Middleware records per route: inflight, totals by status, latency, response
// size, 5xx errors and 429s from the rate limiter. Labels are the method and
// the chi route pattern so ticket and user ids never become label values.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// chi fills the pattern in place while routing
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		ctx := r.Context()
		method, route, code := r.Method, routeLabel(ctx), sw.code()

		m.reqTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
		switch {
		case code >= 500:
			m.errorsTotal.WithLabelValues(method, route).Inc()
		case code == http.StatusTooManyRequests:
			m.rateLimitedTotal.WithLabelValues(method, route).Inc()
		}

		observe(m.reqDur.WithLabelValues(method, route), time.Since(start).Seconds(), traceExemplar(ctx))
		m.respBytes.WithLabelValues(method, route).Observe(float64(sw.n))
	})
}

func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// observe attaches ex as an exemplar when there is one and obs supports it
func observe(obs prometheus.Observer, v float64, ex prometheus.Labels) {
	if eo, ok := obs.(prometheus.ExemplarObserver); ok && ex != nil {
		eo.ObserveWithExemplar(v, ex)
		return
	}
	obs.Observe(v)
}

// traceExemplar links a latency sample to its sampled trace
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
