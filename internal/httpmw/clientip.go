package httpmw

import (
	"context"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// UnknownClient is the key shared by every request that carries no
// forwarding headers.
const UnknownClient = "unknown"

// ClientIP derives the client key from the request and stores it in the context.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithClientIP(r.Context(), ClientKey(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientKey returns the identifier a request is rate limited against.
//
// The API runs behind a single edge proxy that sets X-Forwarded-For and
// X-Real-IP, so the first X-Forwarded-For entry is the originating client.
// Falls back to X-Real-IP, then to the shared "unknown" bucket. RemoteAddr is
// ignored, behind the proxy it is always the proxy itself.
func ClientKey(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	return UnknownClient
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
