package httpmw

import "net/http"

// CSRF protection is not applicable: the API is JSON only, sets no cookies
// and identity arrives in a header injected by the upstream auth proxy.

// SecurityHeaders adds response headers suitable for a JSON API that is never
// rendered as a document.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// Require HTTPS for one year, including subdomains
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		// Nothing served here should ever load or embed anything
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		h.Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")

		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")

		// Purchases, QR codes and user data must never be cached by intermediaries
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
