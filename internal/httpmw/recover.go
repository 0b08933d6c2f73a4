package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

const internalErrorBody = `{"error":"Internal server error"}`

// Recover converts a handler panic into a 500 JSON response and logs it with
// a stack. onPanic (optional) is called once per recovered panic, used for
// metrics. http.ErrAbortHandler is re-raised so net/http can abort the
// connection as intended.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.WithStack(v)
				default:
					err = xerrors.New(fmt.Sprint(v))
				}

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(internalErrorBody))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
