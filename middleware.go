package iam

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/server"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const claimsKey contextKey = "access_claims"

// ContextWithClaims returns a context carrying validated access token claims
func ContextWithClaims(ctx context.Context, claims *server.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims stored by Authenticate
func ClaimsFromContext(ctx context.Context) (*server.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*server.AccessClaims)
	return claims, ok && claims != nil
}

// Authenticate validates the access token from the Authorization header, or
// the access_token cookie when no header is sent, and stores its claims in the
// request context. Requests without a valid token get 401.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := h.extractAccessToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), token)
		if err != nil {
			h.logger.DebugContext(r.Context(), "Token validation failed",
				"ip", h.clientIP(r),
				"error", err)
			h.writeError(w, server.ErrorCodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// extractAccessToken reads the bearer token, falling back to the cookie.
// It writes a 401 and returns false when neither is usable.
func (h *Handler) extractAccessToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := cookieValue(r, AccessTokenCookie); token != "" {
			return token, true
		}
		h.writeError(w, server.ErrorCodeInvalidToken, "Missing access token", http.StatusUnauthorized)
		return "", false
	}

	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		h.writeError(w, server.ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}
	return strings.TrimSpace(token), true
}

// optionalIdentity returns the subject of a valid access token cookie or
// header, or "" when the request is anonymous.
func (h *Handler) optionalIdentity(r *http.Request) string {
	token := cookieValue(r, AccessTokenCookie)
	if scheme, bearer, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(bearer)
	}
	if token == "" {
		return ""
	}
	claims, err := h.server.ValidateAccessToken(r.Context(), token)
	if err != nil {
		return ""
	}
	return claims.Subject
}

// Predicate decides whether an authenticated request may proceed. A non-nil
// error denies it; server.ErrForbidden is the usual denial.
type Predicate func(r *http.Request, claims *server.AccessClaims) error

// Require evaluates preds in order after Authenticate. The first denial is
// rendered, normally as 403.
func (h *Handler) Require(preds ...Predicate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return h.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFromContext(r.Context())
			for _, pred := range preds {
				if err := pred(r, claims); err != nil {
					h.logger.WarnContext(r.Context(), "Authorization denied",
						"identity_id", claims.Subject,
						"path", r.URL.Path,
						"error", err)
					h.renderError(w, r, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// HasAnyRole allows tokens carrying at least one of roles.
func HasAnyRole(roles ...string) Predicate {
	return func(_ *http.Request, claims *server.AccessClaims) error {
		for _, role := range roles {
			if claims.HasRole(role) {
				return nil
			}
		}
		return server.ErrForbidden("Insufficient role")
	}
}

// HasScopes allows tokens that were granted every one of scopes.
func HasScopes(scopes ...string) Predicate {
	return func(_ *http.Request, claims *server.AccessClaims) error {
		for _, scope := range scopes {
			if !claims.HasScope(scope) {
				return server.ErrForbidden(fmt.Sprintf("Missing scope %s", scope))
			}
		}
		return nil
	}
}

// IsSubject allows the request only when the token subject equals the
// identity named by target, typically a path value.
func IsSubject(target func(*http.Request) string) Predicate {
	return func(r *http.Request, claims *server.AccessClaims) error {
		if id := target(r); id == "" || id != claims.Subject {
			return server.ErrForbidden("Access to another identity is not allowed")
		}
		return nil
	}
}

// AnyOf allows the request when at least one of preds does. It returns the
// first denial otherwise.
func AnyOf(preds ...Predicate) Predicate {
	return func(r *http.Request, claims *server.AccessClaims) error {
		var first error
		for _, pred := range preds {
			err := pred(r, claims)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
		}
		if first == nil {
			first = server.ErrForbidden("Access denied")
		}
		return first
	}
}

// PathValue returns a target function reading the named path wildcard.
func PathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// throttled applies the per-IP request throttle before any credential work.
func (h *Handler) throttled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.throttle == nil {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := h.clientIP(r)
		if h.throttle.Allow(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		h.logger.WarnContext(r.Context(), "Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
		if h.instrumentation != nil {
			h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
		}
		if h.server.Auditor != nil {
			h.server.Auditor.LogRateLimitExceeded(r.Context(), clientIP, "", "ip")
		}
		h.renderError(w, r, server.ErrRateLimited())
	})
}

// recoverPanics turns a panic into a 500 response and a Sentry event.
// Each request gets its own Sentry hub so scope data does not leak between requests.
func (h *Handler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.CurrentHub().Clone()
		ctx := sentry.SetHubOnContext(r.Context(), hub)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			hub.RecoverWithContext(ctx, rec)
			h.logger.ErrorContext(ctx, "Panic recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()))
			h.writeError(w, server.ErrorCodeServerError, "An internal error occurred", http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && h.isAllowedOrigin(origin)

		if allowed {
			// Echo the specific origin rather than "*" so credentials work
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if h.config.CORS.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		} else if origin != "" {
			h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks origin against the configured list; "*" allows all.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumented wraps an endpoint with a span named iam.http.<endpoint> and
// the HTTP request metrics.
func (h *Handler) instrumented(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx := r.Context()

		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "iam.http."+endpoint)
			defer span.End()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		if span != nil {
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
			if h.instrumentation != nil && h.instrumentation.ShouldLogClientIPs() {
				instrumentation.AddSecurityAttributes(span, h.clientIP(r))
			}
			if rec.status >= http.StatusInternalServerError {
				instrumentation.SetSpanError(span, http.StatusText(rec.status))
			} else {
				instrumentation.SetSpanSuccess(span)
			}
		}
		h.recordHTTPMetrics(ctx, endpoint, r.Method, rec.status, startTime)
	})
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	h.instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// clientIP returns the client address used for throttling and auditing
func (h *Handler) clientIP(r *http.Request) string {
	return h.ips.ClientIP(r)
}
