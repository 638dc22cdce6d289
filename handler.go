package iam

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/internal/helpers"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/server"
	"github.com/machinaear/iam/storage"
)

// maxJSONBodyBytes bounds every JSON request body
const maxJSONBodyBytes = 1 << 20

// Handler is the HTTP transport of the IAM server.
type Handler struct {
	server *server.Server
	config *Config
	logger *slog.Logger
	ips    security.ClientIPResolver

	throttle        *security.RequestThrottle
	auditStore      storage.AuditStore
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}
	config.applyHTTPDefaults()

	return &Handler{
		server: srv,
		config: config,
		logger: logger,
		ips: security.ClientIPResolver{
			TrustProxy:     config.RateLimit.TrustProxy,
			TrustedProxies: config.RateLimit.TrustedProxyCount,
		},
	}
}

// SetInstrumentation enables HTTP spans and request metrics
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// SetRequestThrottle sets the per-IP throttle applied to the public
// authentication endpoints
func (h *Handler) SetRequestThrottle(rt *security.RequestThrottle) {
	h.throttle = rt
}

// SetAuditStore enables the audit query endpoint
func (h *Handler) SetAuditStore(store storage.AuditStore) {
	h.auditStore = store
}

// Routes returns the complete IAM HTTP surface with its middleware chain.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	authn := h.Authenticate
	admin := h.Require(HasAnyRole(server.AdminRole))

	// Discovery
	mux.Handle("GET /.well-known/oauth-authorization-server", h.instrumented("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle("GET /.well-known/jwks.json", h.instrumented("jwks", h.ServeJWKS))
	mux.Handle("GET /healthz", h.instrumented("health", h.ServeHealth))

	// OAuth 2.1
	mux.Handle("GET /auth/authorize", h.throttled(h.instrumented("authorize", h.ServeAuthorization)))
	mux.Handle("GET /auth/authorize/resume", authn(h.instrumented("authorize_resume", h.ServeResumeAuthorization)))
	mux.Handle("GET /auth/consent", authn(h.instrumented("consent", h.ServeConsentPage)))
	mux.Handle("POST /auth/consent", authn(h.instrumented("consent", h.ServeConsentDecision)))
	mux.Handle("POST /auth/token", h.throttled(h.instrumented("token", h.ServeToken)))
	mux.Handle("POST /auth/revoke", h.throttled(h.instrumented("revoke", h.ServeTokenRevocation)))

	// Accounts
	mux.Handle("POST /auth/register", h.throttled(h.instrumented("register", h.ServeRegister)))
	mux.Handle("POST /auth/login", h.throttled(h.instrumented("login", h.ServeLogin)))
	mux.Handle("POST /auth/logout", h.instrumented("logout", h.ServeLogout))
	mux.Handle("GET /auth/me", authn(h.instrumented("me", h.ServeMe)))
	mux.Handle("POST /auth/verify-email", h.throttled(h.instrumented("verify_email", h.ServeVerifyEmail)))
	mux.Handle("POST /auth/verify-email/resend", authn(h.instrumented("verify_email_resend", h.ServeResendVerification)))
	mux.Handle("POST /auth/password/forgot", h.throttled(h.instrumented("password_forgot", h.ServeForgotPassword)))
	mux.Handle("POST /auth/password/reset", h.throttled(h.instrumented("password_reset", h.ServeResetPassword)))
	mux.Handle("POST /auth/password/change", h.throttled(authn(h.instrumented("password_change", h.ServeChangePassword))))

	// Two-factor, always on the caller's own identity
	mux.Handle("POST /auth/2fa/setup", authn(h.instrumented("2fa_setup", h.ServeTwoFactorSetup)))
	mux.Handle("POST /auth/2fa/enable", authn(h.instrumented("2fa_enable", h.ServeTwoFactorEnable)))
	mux.Handle("POST /auth/2fa/disable", h.throttled(authn(h.instrumented("2fa_disable", h.ServeTwoFactorDisable))))
	mux.Handle("POST /auth/2fa/regenerate-codes", h.throttled(authn(h.instrumented("2fa_regenerate_codes", h.ServeRegenerateRecoveryCodes))))

	// Proof of work
	mux.Handle("GET /altcha/challenge", h.throttled(h.instrumented("altcha_challenge", h.ServeAltchaChallenge)))
	mux.Handle("POST /altcha/verify", h.throttled(h.instrumented("altcha_verify", h.ServeAltchaVerify)))

	// Federation
	mux.Handle("GET /auth/google/login", h.throttled(h.instrumented("google_login", h.ServeGoogleLogin)))
	mux.Handle("GET /auth/google/callback", h.throttled(h.instrumented("google_callback", h.ServeGoogleCallback)))

	// Identities and administration
	self := h.Require(AnyOf(IsSubject(PathValue("id")), HasAnyRole(server.AdminRole)))
	mux.Handle("GET /identities/{id}", self(h.instrumented("identity", h.ServeIdentity)))
	mux.Handle("PUT /admin/identities/{id}/roles", admin(h.instrumented("admin_roles", h.ServeSetRoles)))
	mux.Handle("GET /admin/clients", admin(h.instrumented("admin_clients", h.ServeListClients)))
	mux.Handle("POST /admin/clients", admin(h.instrumented("admin_clients", h.ServeRegisterClient)))
	mux.Handle("PUT /admin/clients/{id}/active", admin(h.instrumented("admin_client_active", h.ServeSetClientActive)))
	mux.Handle("GET /admin/scopes", admin(h.instrumented("admin_scopes", h.ServeListScopes)))
	mux.Handle("POST /admin/scopes", admin(h.instrumented("admin_scopes", h.ServeRegisterScope)))
	mux.Handle("PUT /admin/scopes/{name}/active", admin(h.instrumented("admin_scope_active", h.ServeSetScopeActive)))
	mux.Handle("GET /admin/audit-events", admin(h.instrumented("admin_audit", h.ServeAuditEvents)))

	var handler http.Handler = mux
	handler = h.cors(handler)
	handler = security.SecurityHeaders(h.server.Config.Issuer)(handler)
	handler = security.RequestIDMiddleware(handler)
	return h.recoverPanics(handler)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := helpers.NormalizeURL(h.server.Config.Issuer)

	var scopes []string
	if list, err := h.server.ListScopes(r.Context()); err == nil {
		for _, s := range list {
			if s.Active {
				scopes = append(scopes, s.Name)
			}
		}
	}

	writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/auth/authorize",
		TokenEndpoint:                     issuer + "/auth/token",
		RevocationEndpoint:                issuer + "/auth/revoke",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	})
}

// ServeJWKS serves the public signing key set
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Del("Pragma")
	writeJSON(w, http.StatusOK, h.server.Keys().JWKS())
}

// ServeHealth reports liveness
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// ServeAuthorization handles GET /auth/authorize. Requests that fail before the
// redirect URI is trusted get a JSON error; everything else is a redirect.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
	}

	result, err := h.server.Authorize(r.Context(), req, h.optionalIdentity(r), h.clientIP(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeResumeAuthorization continues a deferred authorization request after login
func (h *Handler) ServeResumeAuthorization(w http.ResponseWriter, r *http.Request) {
	result, err := h.server.ResumeAuthorization(r.Context(), r.URL.Query().Get("request"), h.subject(r), h.clientIP(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeConsentPage describes a pending request to the consent page
func (h *Handler) ServeConsentPage(w http.ResponseWriter, r *http.Request) {
	pending, err := h.server.GetPendingAuthorization(r.Context(), r.URL.Query().Get("request"), h.subject(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consentPageResponse{
		Request:    pending.ID,
		ClientID:   pending.ClientID,
		ClientName: pending.ClientName,
		Scopes:     pending.Scopes,
	})
}

// ServeConsentDecision records the user's decision and returns where the
// browser goes next
func (h *Handler) ServeConsentDecision(w http.ResponseWriter, r *http.Request) {
	var body consentBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	result, err := h.server.ApproveConsent(r.Context(), body.Request, h.subject(r), body.Approve, h.clientIP(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: result.RedirectURL})
}

// ServeToken handles the token endpoint. Clients authenticate with HTTP Basic
// or the client_secret form field; public clients send client_id only.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	var (
		tokens *server.TokenPair
		err    error
	)
	switch req.GrantType {
	case server.GrantTypeAuthorizationCode:
		tokens, err = h.server.ExchangeAuthorizationCode(r.Context(), req, h.clientIP(r))
	case server.GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			req.RefreshToken = cookieValue(r, RefreshTokenCookie)
		}
		tokens, err = h.server.RefreshAccessToken(r.Context(), req, h.clientIP(r))
	default:
		h.writeError(w, server.ErrorCodeUnsupportedGrantType, "Grant type is not supported", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.setTokenCookies(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

// ServeTokenRevocation handles the RFC 7009 revocation endpoint. The response
// is 200 whether or not the token was known.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	token := r.PostFormValue("token")
	clientID := r.PostFormValue("client_id")

	if id, secret, ok := r.BasicAuth(); ok {
		client, err := h.server.AuthenticateClient(r.Context(), id, secret, h.clientIP(r))
		if err != nil {
			h.renderError(w, r, err)
			return
		}
		clientID = client.ClientID
	}

	if err := h.server.RevokeToken(r.Context(), token, clientID, h.clientIP(r)); err != nil {
		if server.KindOf(err) == server.KindInvalidRequest {
			h.renderError(w, r, err)
			return
		}
		h.logger.ErrorContext(r.Context(), "Token revocation failed", "client_id", clientID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// ServeGoogleLogin redirects the browser to Google. The optional request
// parameter names a deferred authorization to resume afterwards.
func (h *Handler) ServeGoogleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := h.server.StartFederatedLogin(r.Context(), r.URL.Query().Get("request"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// ServeGoogleCallback completes a federated login, sets the session cookies and
// sends the browser on. Failures go back to the frontend login page.
func (h *Handler) ServeGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.InfoContext(r.Context(), "Federated login cancelled at provider", "error", providerErr)
		http.Redirect(w, r, h.frontendURL("/login", url.Values{"error": {server.ErrorCodeAccessDenied}}), http.StatusFound)
		return
	}

	result, err := h.server.CompleteFederatedLogin(r.Context(), q.Get("code"), q.Get("state"), h.clientIP(r))
	if err != nil {
		e := server.AsError(err)
		if e.Kind == server.KindInternal {
			h.logger.ErrorContext(r.Context(), "Federated login failed", "error", err)
			captureException(r, err)
		}
		http.Redirect(w, r, h.frontendURL("/login", url.Values{"error": {e.Code}}), http.StatusFound)
		return
	}

	h.setTokenCookies(w, result.Tokens)
	target := h.frontendURL("/", nil)
	if result.Authorization != nil {
		target = result.Authorization.RedirectURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// frontendURL builds a link into the frontend application
func (h *Handler) frontendURL(path string, params url.Values) string {
	target := helpers.NormalizeURL(h.server.Config.FrontendURL) + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return target
}

// subject returns the identity of an authenticated request
func (h *Handler) subject(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return server.ErrInvalidRequest("Request body must be valid JSON")
	}
	return nil
}
