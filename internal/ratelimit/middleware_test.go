package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/httpmw"
)

// makeRequest builds a request whose client key comes from X-Forwarded-For
func makeRequest(handler http.Handler, xff string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// makeRequestWithIP builds a request with the client key already resolved on the context
func makeRequestWithIP(handler http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 3)
	h := l.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := makeRequest(h, "203.0.113.1")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestMiddleware_DeniedResponse(t *testing.T) {
	l, clk := newTestLimiter(t, 60*time.Second, 5)
	h := l.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		makeRequest(h, "1.2.3.4")
	}
	clk.Advance(100 * time.Millisecond)
	resetAt := clk.Now().Add(-100 * time.Millisecond).Add(60 * time.Second)

	rec := makeRequest(h, "1.2.3.4")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	want := map[string]string{
		"Retry-After":           "60",
		"X-RateLimit-Limit":     "5",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     resetAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, rec.Body.String())
	}
	if len(body) != 2 {
		t.Errorf("body has %d fields, want exactly 2: %v", len(body), body)
	}
	if body["error"] != DeniedMessage {
		t.Errorf("error = %v, want %q", body["error"], DeniedMessage)
	}
	if body["retryAfter"] != float64(60) {
		t.Errorf("retryAfter = %v, want 60", body["retryAfter"])
	}
}

func TestMiddleware_DeniedBodyExact(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDenied(rec, Decision{Limit: 20, RetryAfter: 900, ResetAt: time.Date(2026, 1, 2, 3, 4, 5, 6e6, time.UTC)})

	wantBody := `{"error":"Too many requests. Please try again later.","retryAfter":900}`
	if got := rec.Body.String(); got != wantBody {
		t.Errorf("body = %s, want %s", got, wantBody)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != "2026-01-02T03:04:05.006Z" {
		t.Errorf("X-RateLimit-Reset = %q", got)
	}
}

func TestMiddleware_DoesNotCallNextWhenDenied(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 1)

	var calls atomic.Int32
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	for i := 0; i < 4; i++ {
		makeRequest(h, "203.0.113.1")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("next called %d times, want 1", got)
	}
}

func TestMiddleware_AllowedInformationalHeaders(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 3)
	h := l.Middleware(okHandler())

	rec := makeRequest(h, "203.0.113.1")
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset should be set")
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Error("Retry-After should only be set on denial")
	}
}

func TestMiddleware_PerClientKeys(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 1)
	h := l.Middleware(okHandler())

	if rec := makeRequest(h, "9.9.9.9, 10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("first client: %d", rec.Code)
	}
	// same originating client through a different proxy chain
	if rec := makeRequest(h, "9.9.9.9, 10.0.0.2"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same client should be limited, got %d", rec.Code)
	}
	if rec := makeRequest(h, "8.8.8.8"); rec.Code != http.StatusOK {
		t.Fatalf("other client should pass, got %d", rec.Code)
	}
}

func TestMiddleware_UnknownBucketShared(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 2)
	h := l.Middleware(okHandler())

	makeRequest(h, "")
	makeRequest(h, "")
	if rec := makeRequest(h, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("header-less requests share one bucket, got %d", rec.Code)
	}
	if got := l.count(httpmw.UnknownClient); got != 3 {
		t.Fatalf("unknown bucket count = %d, want 3", got)
	}
}

func TestMiddleware_PrefersContextKey(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 1)
	h := l.Middleware(okHandler())

	makeRequestWithIP(h, "198.51.100.1")
	if got := l.count("198.51.100.1"); got != 1 {
		t.Fatalf("context key count = %d, want 1", got)
	}
	if got := l.count(httpmw.UnknownClient); got != 0 {
		t.Fatalf("unknown bucket should be untouched, got %d", got)
	}
}

func TestGuard_CustomKeyFunc(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 1)

	byUser := func(r *http.Request) string { return "user:" + r.Header.Get("X-User-Id") }
	h := l.Guard(byUser)(okHandler())

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-User-Id", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("alice"); code != http.StatusOK {
		t.Fatalf("alice first: %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("alice second: %d", code)
	}
	if code := send("bob"); code != http.StatusOK {
		t.Fatalf("bob first: %d", code)
	}
}

func TestMiddleware_HooksSeeClientKey(t *testing.T) {
	var got atomic.Value
	l, _ := newTestLimiter(t, time.Minute, 1, WithOnFirstDenied(func(key string) {
		got.Store(key)
	}))
	h := l.Middleware(okHandler())

	makeRequest(h, "203.0.113.77")
	makeRequest(h, "203.0.113.77")

	if k, _ := got.Load().(string); k != "203.0.113.77" {
		t.Fatalf("hook key = %q, want 203.0.113.77", k)
	}
}

func TestRequestKey_FallsBackToHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(context.Background())
	req.Header.Set("X-Real-IP", "198.51.100.9")
	if got := RequestKey(req); got != "198.51.100.9" {
		t.Fatalf("RequestKey() = %q, want 198.51.100.9", got)
	}
}

func TestFormatReset(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 5, 1, 7, 30, 0, 123456789, loc)
	if got := FormatReset(ts); got != "2026-05-01T12:30:00.123Z" {
		t.Fatalf("FormatReset() = %q", got)
	}
}
