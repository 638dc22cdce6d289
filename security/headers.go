package security

import (
	"net/http"
	"net/url"
)

// HSTSMaxAge is the Strict-Transport-Security lifetime sent on HTTPS deployments
const HSTSMaxAge = "max-age=31536000; includeSubDomains"

// SecurityHeaders returns middleware that sets the response headers every IAM
// endpoint carries. Token, login and 2FA responses must never be cached, and
// none of the endpoints render content meant to be framed.
// HSTS is only sent when issuer is an https URL.
func SecurityHeaders(issuer string) func(http.Handler) http.Handler {
	hsts := false
	if u, err := url.Parse(issuer); err == nil && u.Scheme == "https" {
		hsts = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			if hsts {
				h.Set("Strict-Transport-Security", HSTSMaxAge)
			}
			next.ServeHTTP(w, r)
		})
	}
}
