package health

import "net/http"

// HealthzHandler: 200 OK when check passes, 503 otherwise (with reason)
func HealthzHandler(p Checker) http.HandlerFunc {
	return handler(p, "ok\n")
}

// ReadyzHandler: 200 OK when check passes, 503 otherwise (with reason)
func ReadyzHandler(p Checker) http.HandlerFunc {
	return handler(p, "ready\n")
}

func handler(p Checker, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}
