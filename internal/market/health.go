package market

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

type dbHealth struct {
	Status       string `json:"status"`
	Provider     string `json:"provider,omitempty"`
	ResponseTime string `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`
}

type appHealth struct {
	GoVersion   string `json:"goVersion"`
	Environment string `json:"environment"`
	Version     string `json:"version,omitempty"`
}

type healthResponse struct {
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	Uptime      float64    `json:"uptime"`
	Database    dbHealth   `json:"database"`
	Application *appHealth `json:"application,omitempty"`
}

func ms(d time.Duration) string { return fmt.Sprintf("%dms", d.Milliseconds()) }

func (api *API) pingDB(r *http.Request) (time.Duration, error) {
	start := time.Now()
	err := api.store.Ping(r.Context())
	if api.metrics != nil {
		api.metrics.SetDatabaseUp(err == nil)
	}
	return time.Since(start), err
}

// HandleHealth reports whether the database answers, 503 when it does not
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := api.now()

	took, err := api.pingDB(r)
	if err != nil {
		api.logger.Warn(ctx, "health check failed", "error", err)
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, healthResponse{
			Status:    "unhealthy",
			Timestamp: now.UTC(),
			Database:  dbHealth{Status: "disconnected", Error: err.Error()},
		})
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: now.UTC(),
		Uptime:    now.Sub(api.startedAt).Seconds(),
		Database: dbHealth{
			Status:       "connected",
			Provider:     api.store.Dialect(),
			ResponseTime: ms(took),
		},
		Application: &appHealth{
			GoVersion:   runtime.Version(),
			Environment: api.environment,
			Version:     api.version,
		},
	})
}

type check struct {
	Status       string `json:"status"`
	ResponseTime string `json:"responseTime,omitempty"`
	Counts       any    `json:"counts,omitempty"`
	Error        string `json:"error,omitempty"`
}

type rateLimitHealth struct {
	PolicyVersion string `json:"policyVersion,omitempty"`
	PolicyHash    string `json:"policyHash,omitempty"`
	TrackedKeys   int    `json:"trackedKeys"`
}

type systemHealth struct {
	GoVersion   string `json:"goVersion"`
	Environment string `json:"environment"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform"`
	Goroutines  int    `json:"goroutines"`
	Memory      struct {
		Used  string `json:"used"`
		Total string `json:"total"`
	} `json:"memory"`
}

type detailedHealthResponse struct {
	Status       string           `json:"status"`
	Timestamp    time.Time        `json:"timestamp"`
	ResponseTime string           `json:"responseTime"`
	Uptime       float64          `json:"uptime"`
	System       systemHealth     `json:"system"`
	RateLimit    *rateLimitHealth `json:"rateLimit,omitempty"`
	Checks       map[string]check `json:"checks"`
}

// HandleHealthDetailed adds table counts, runtime and rate limiter state
func (api *API) HandleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	now := api.now()
	checks := map[string]check{}

	took, err := api.pingDB(r)
	if err != nil {
		checks["databaseConnection"] = check{Status: "error", Error: err.Error()}
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"timestamp": now.UTC(),
			"error":     err.Error(),
			"checks":    checks,
		})
		return
	}
	checks["databaseConnection"] = check{Status: "healthy", ResponseTime: ms(took)}

	if counts, err := api.store.Counts(ctx); err != nil {
		checks["databaseTables"] = check{Status: "error", Error: err.Error()}
	} else {
		checks["databaseTables"] = check{Status: "healthy", Counts: counts}
	}

	resp := detailedHealthResponse{
		Status:    "healthy",
		Timestamp: now.UTC(),
		Uptime:    now.Sub(api.startedAt).Seconds(),
		Checks:    checks,
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp.System.GoVersion = runtime.Version()
	resp.System.Environment = api.environment
	resp.System.Version = api.version
	resp.System.Platform = runtime.GOOS + "/" + runtime.GOARCH
	resp.System.Goroutines = runtime.NumGoroutine()
	resp.System.Memory.Used = fmt.Sprintf("%dMB", mem.HeapAlloc/1024/1024)
	resp.System.Memory.Total = fmt.Sprintf("%dMB", mem.HeapSys/1024/1024)

	if api.policyInfo != nil || api.trackedKeys != nil {
		rl := &rateLimitHealth{}
		if api.policyInfo != nil {
			rl.PolicyVersion = api.policyInfo.PolicyVersion()
			rl.PolicyHash = api.policyInfo.PolicyHash()
		}
		if api.trackedKeys != nil {
			rl.TrackedKeys = api.trackedKeys()
		}
		resp.RateLimit = rl
	}

	resp.ResponseTime = ms(time.Since(start))
	api.writeJSON(ctx, w, http.StatusOK, resp)
}
