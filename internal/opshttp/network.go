package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/ticketmarket/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. The peer address is used as-is, forwarding headers are
// never consulted on the admin port.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			forbid(w, r, L, "unparseable remote addr")
			return
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			forbid(w, r, L, "invalid remote ip")
			return
		}
		addr = addr.Unmap()
		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			forbid(w, r, L, "public remote ip")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbid(w http.ResponseWriter, r *http.Request, L log.Logger, reason string) {
	L.Warn(r.Context(), "ops http request rejected",
		"reason", reason,
		"network.peer.address", r.RemoteAddr,
		"url.path", r.URL.Path,
	)
	http.Error(w, "forbidden\n", http.StatusForbidden)
}
