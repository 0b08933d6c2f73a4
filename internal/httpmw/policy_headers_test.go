package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPolicyInfo struct {
	version string
	hash    string
}

func (s *stubPolicyInfo) PolicyVersion() string { return s.version }
func (s *stubPolicyInfo) PolicyHash() string    { return s.hash }

func TestPolicyHeaders_BothSet(t *testing.T) {
	info := &stubPolicyInfo{
		version: "2026-03-01",
		hash:    "abcdef1234567890abcdef",
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	PolicyHeaders(info)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-RateLimit-Policy-Version"); got != "2026-03-01" {
		t.Fatalf("X-RateLimit-Policy-Version = %q, want %q", got, "2026-03-01")
	}
	// Hash should be truncated to 12 chars
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "abcdef123456" {
		t.Fatalf("X-RateLimit-Policy = %q, want %q", got, "abcdef123456")
	}
}

func TestPolicyHeaders_ShortHash(t *testing.T) {
	info := &stubPolicyInfo{hash: "abc123"}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	PolicyHeaders(info)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-RateLimit-Policy"); got != "abc123" {
		t.Fatalf("X-RateLimit-Policy = %q, want %q", got, "abc123")
	}
	if got := rec.Header().Get("X-RateLimit-Policy-Version"); got != "" {
		t.Fatalf("empty version should not set header, got %q", got)
	}
}

func TestPolicyHeaders_Empty(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	PolicyHeaders(&stubPolicyInfo{})(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("X-RateLimit-Policy"); got != "" {
		t.Fatalf("X-RateLimit-Policy = %q, want empty", got)
	}
}

func TestPolicyHeaders_NilInfo(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	PolicyHeaders(nil)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Fatal("handler not called with nil info")
	}
	if len(rec.Header()) != 0 {
		t.Fatalf("no headers expected, got %v", rec.Header())
	}
}

func TestPolicyHeaders_ReadsPerRequest(t *testing.T) {
	info := &stubPolicyInfo{hash: "first"}
	h := PolicyHeaders(info)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "first" {
		t.Fatalf("first = %q", got)
	}

	info.hash = "second"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "second" {
		t.Fatalf("after swap = %q, want second", got)
	}
}
