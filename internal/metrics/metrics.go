package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/ticketmarket/internal/version"
)

type ServerMetrics struct {
	reg              *prometheus.Registry
	handler          http.Handler
	inflight         prometheus.Gauge
	reqTotal         *prometheus.CounterVec
	reqDur           *prometheus.HistogramVec
	respBytes        *prometheus.HistogramVec
	httpPanicTotal   prometheus.Counter
	buildInfo        *prometheus.GaugeVec
	errorsTotal      *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	profilingActive  prometheus.Gauge
	dbUp             prometheus.Gauge
	purchasesTotal   prometheus.Counter
	qrcodeScansTotal *prometheus.CounterVec

	// rate limiter
	ratelimitDeniedTotal  *prometheus.CounterVec
	ratelimitClientsTotal *prometheus.CounterVec
	ratelimitEvictedTotal prometheus.Counter

	// policy
	policyInfo            *prometheus.GaugeVec
	policyLoadedTimestamp prometheus.Gauge

	// watcher metrics
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	policyLoadDuration   prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "module", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Total 429 responses by method and route",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		dbUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "database_up",
			Help: "Whether the last database ping succeeded (1) or failed (0)",
		}),
		purchasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticket_purchases_total",
			Help: "Total completed ticket purchases",
		}),
		qrcodeScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticket_qrcode_verifications_total",
			Help: "Total QR code verifications by result",
		}, []string{"result"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests rejected by the rate limiter, by policy",
		}, []string{"policy"}),
		ratelimitClientsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_limited_clients_total",
			Help: "Total client windows that hit their limit, by policy",
		}, []string{"policy"}),
		ratelimitEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Total expired rate limit counters removed by sweeps",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_info",
			Help: "Active rate limit policy document (labels carry identity, value is always 1)",
		}, []string{"source", "version", "sha256"}),
		policyLoadedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active policy document was loaded",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Total number of successful policy swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Total policy watcher errors by type",
		}, []string{"type"}),
		policyLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_load_duration_seconds",
			Help:    "Time to download, verify, and parse a policy document",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_stale",
			Help: "Whether the policy watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.rateLimitedTotal,
		m.profilingActive,
		m.dbUp,
		m.purchasesTotal,
		m.qrcodeScansTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitClientsTotal,
		m.ratelimitEvictedTotal,
		m.policyInfo,
		m.policyLoadedTimestamp,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.policyLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"module":      vi.Module,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// TrackRateLimitKeys registers a gauge reporting the number of counters the
// rate limit store currently holds. size is called on every scrape.
func (m *ServerMetrics) TrackRateLimitKeys(size func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_keys",
		Help: "Number of client counters held by the rate limit store",
	}, func() float64 { return float64(size()) }))
}

func (m *ServerMetrics) IncRateLimitDenied(policy string) {
	m.ratelimitDeniedTotal.WithLabelValues(policy).Inc()
}

// IncRateLimitedClient counts a client window crossing its limit, once per window
func (m *ServerMetrics) IncRateLimitedClient(policy string) {
	m.ratelimitClientsTotal.WithLabelValues(policy).Inc()
}

func (m *ServerMetrics) AddRateLimitEvicted(n int) {
	if n > 0 {
		m.ratelimitEvictedTotal.Add(float64(n))
	}
}

func (m *ServerMetrics) SetPolicy(source, version, sha256 string) {
	m.policyInfo.Reset() // clear previous label values
	m.policyInfo.WithLabelValues(source, version, sha256).Set(1)
}

func (m *ServerMetrics) SetPolicyLoadedTimestamp(t time.Time) {
	m.policyLoadedTimestamp.Set(float64(t.Unix()))
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) SetDatabaseUp(up bool) {
	if up {
		m.dbUp.Set(1)
	} else {
		m.dbUp.Set(0)
	}
}

func (m *ServerMetrics) IncPurchases() {
	m.purchasesTotal.Inc()
}

// IncQRCodeVerification counts verifications by result (valid, invalid, scanned)
func (m *ServerMetrics) IncQRCodeVerification(result string) {
	m.qrcodeScansTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObservePolicyLoadDuration(seconds float64) {
	m.policyLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}
