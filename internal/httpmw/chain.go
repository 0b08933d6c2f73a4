package httpmw

import (
	"net/http"
)

// Middleware is the shape every constructor in this package returns
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so that mws[0] is the outermost middleware and the last
// entry runs closest to h. Nil entries are skipped so optional middleware
// (rate limiting, policy headers) can be passed unconditionally.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mw := mws[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}
