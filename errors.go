package iam

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/machinaear/iam/server"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	// Error is the OAuth error code
	Error string `json:"error"`

	// ErrorDescription is safe to show to the caller; internal details never appear here
	ErrorDescription string `json:"error_description,omitempty"`

	// TwoFactorRequired tells the login form to ask for a second factor
	TwoFactorRequired bool `json:"twoFactorRequired,omitempty"`
}

// retryAfterSeconds is sent with every 429 response
const retryAfterSeconds = "60"

// renderError writes err as an OAuth-style JSON error. Internal failures are
// logged and reported to Sentry with their cause; the client only sees a
// generic description.
func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	e := server.AsError(err)

	if e.Kind == server.KindInternal {
		h.logger.ErrorContext(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		captureException(r, err)
	}

	resp := ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
	if e.Kind == server.KindTwoFactorRequired {
		resp.TwoFactorRequired = true
	}

	switch e.Status() {
	case http.StatusUnauthorized:
		if e.Kind != server.KindTwoFactorRequired {
			w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(e.Code, e.Description))
		}
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeJSON(w, e.Status(), resp)
}

// writeError writes an error response that did not come from the server layer.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}
	writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750 Section 3.
func formatWWWAuthenticate(code, description string) string {
	params := []string{`realm="iam"`}
	if code != "" {
		params = append(params, fmt.Sprintf("error=%q", code))
	}
	if description != "" {
		params = append(params, fmt.Sprintf("error_description=%q", strings.ReplaceAll(description, `"`, `'`)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// captureException reports err to the request's Sentry hub, or the global one.
func captureException(r *http.Request, err error) {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
