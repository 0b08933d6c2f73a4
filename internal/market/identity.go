package market

import (
	"net/http"
	"strings"
)

// DefaultIdentityHeader carries the caller's user id, set by the auth proxy
const DefaultIdentityHeader = "X-User-Id"

// DefaultVerifiedHeader is "true" once the auth provider has verified the
// caller's email address
const DefaultVerifiedHeader = "X-User-Email-Verified"

// maxUserIDLen bounds ids accepted from the identity header
const maxUserIDLen = 64

// Identity resolves the authenticated user for a request
type Identity interface {
	UserID(r *http.Request) (string, bool)
}

// VerifiedIdentity is implemented by identities that also know whether the
// caller's email address is verified
type VerifiedIdentity interface {
	EmailVerified(r *http.Request) bool
}

// HeaderIdentity trusts headers injected by the fronting auth proxy.
// The proxy must strip any client-supplied copy of them.
type HeaderIdentity struct {
	Header         string
	VerifiedHeader string
}

func (h HeaderIdentity) UserID(r *http.Request) (string, bool) {
	name := h.Header
	if name == "" {
		name = DefaultIdentityHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" || len(id) > maxUserIDLen {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c == '-' || c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return "", false
		}
	}
	return id, true
}

func (h HeaderIdentity) EmailVerified(r *http.Request) bool {
	name := h.VerifiedHeader
	if name == "" {
		name = DefaultVerifiedHeader
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(name)), "true")
}
