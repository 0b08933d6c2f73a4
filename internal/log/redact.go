package log

import (
	"log/slog"
	"strings"

	"github.com/keithlinneman/ticketmarket/internal/cryptoutil"
)

// DefaultRedactKeys are masked in every record. A QR code admits its holder
// to the event, so it is treated like a credential.
var DefaultRedactKeys = []string{"qr_code", "qrcode", "email", "authorization", "cookie", "set-cookie"}

// redactor masks attribute values by key, case-insensitively
type redactor map[string]struct{}

func newRedactor(extra []string) redactor {
	r := make(redactor, len(DefaultRedactKeys)+len(extra))
	for _, k := range DefaultRedactKeys {
		r[k] = struct{}{}
	}
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r[k] = struct{}{}
		}
	}
	return r
}

// replace is a slog.HandlerOptions.ReplaceAttr
func (r redactor) replace(_ []string, a slog.Attr) slog.Attr {
	if _, ok := r[strings.ToLower(a.Key)]; !ok {
		return a
	}
	return slog.String(a.Key, mask(a.Value.Resolve().String()))
}

// mask keeps a short digest so one secret can be followed across records
// without being readable
func mask(v string) string {
	if v == "" {
		return ""
	}
	return "redacted:" + cryptoutil.SHA256Hex([]byte(v))[:8]
}
