package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{"https issuer", "https://auth.example.com", true},
		{"http issuer", "http://localhost:8080", false},
		{"unparsable issuer", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := SecurityHeaders(tt.issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusTeapot)
			}))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

			if !called || rr.Code != http.StatusTeapot {
				t.Fatalf("next handler not invoked, code = %d", rr.Code)
			}

			want := map[string]string{
				"X-Frame-Options":        "DENY",
				"X-Content-Type-Options": "nosniff",
				"Referrer-Policy":        "no-referrer",
				"Cache-Control":          "no-store",
				"Pragma":                 "no-cache",
			}
			for k, v := range want {
				if got := rr.Header().Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}

			gotHSTS := rr.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS && gotHSTS != HSTSMaxAge {
				t.Errorf("HSTS = %q, want %q", gotHSTS, HSTSMaxAge)
			}
			if !tt.wantHSTS && gotHSTS != "" {
				t.Errorf("HSTS should be absent, got %q", gotHSTS)
			}
		})
	}
}
