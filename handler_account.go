package iam

import (
	"net/http"
	"strconv"
	"time"

	"github.com/machinaear/iam/server"
	"github.com/machinaear/iam/storage"
)

// defaultAuditLimit caps audit queries that do not name a limit
const defaultAuditLimit = 100

// ServeRegister creates a password identity and logs it in
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}

	session, err := h.server.Register(r.Context(), server.RegisterRequest{
		Email:    body.Email,
		Username: body.Username,
		Password: body.Password,
		Altcha:   body.Altcha,
	}, h.clientIP(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.setTokenCookies(w, session.Tokens)
	writeJSON(w, http.StatusCreated, session.Tokens)
}

// ServeLogin authenticates with email and password plus, for identities with
// two-factor authentication, a TOTP or recovery code. A missing second factor
// is a 401 with twoFactorRequired set.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}

	session, err := h.server.Login(r.Context(), server.LoginRequest{
		Email:        body.Email,
		Password:     body.Password,
		TOTPCode:     body.TOTPCode,
		RecoveryCode: body.RecoveryCode,
		Altcha:       body.Altcha,
	}, h.clientIP(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.setTokenCookies(w, session.Tokens)
	writeJSON(w, http.StatusOK, session.Tokens)
}

// ServeLogout revokes the session's refresh token and clears the cookies.
// The token comes from the cookie or a {"token": ...} body.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	refreshToken := cookieValue(r, RefreshTokenCookie)
	if refreshToken == "" && r.ContentLength > 0 {
		var body tokenBody
		if err := decodeJSON(w, r, &body); err != nil {
			h.renderError(w, r, err)
			return
		}
		refreshToken = body.Token
	}

	if err := h.server.Logout(r.Context(), refreshToken, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	h.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, statusResponse{Status: "logged_out"})
}

// ServeMe returns the caller's profile
func (h *Handler) ServeMe(w http.ResponseWriter, r *http.Request) {
	profile, err := h.server.Me(r.Context(), h.subject(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ServeIdentity returns the profile named in the path
func (h *Handler) ServeIdentity(w http.ResponseWriter, r *http.Request) {
	profile, err := h.server.Me(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ServeVerifyEmail consumes an email verification token
func (h *Handler) ServeVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.VerifyEmail(r.Context(), body.Token, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "verified"})
}

// ServeResendVerification sends a new verification mail to the caller
func (h *Handler) ServeResendVerification(w http.ResponseWriter, r *http.Request) {
	if err := h.server.ResendVerificationEmail(r.Context(), h.subject(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "sent"})
}

// ServeForgotPassword starts a password reset. The answer does not reveal
// whether the email is registered.
func (h *Handler) ServeForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.RequestPasswordReset(r.Context(), body.Email, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}

// ServeResetPassword sets a new password with a reset token
func (h *Handler) ServeResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.ResetPassword(r.Context(), body.Token, body.NewPassword, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	h.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, statusResponse{Status: "password_reset"})
}

// ServeChangePassword changes the caller's password
func (h *Handler) ServeChangePassword(w http.ResponseWriter, r *http.Request) {
	var body changePasswordBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.ChangePassword(r.Context(), h.subject(r), body.CurrentPassword, body.NewPassword, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "password_changed"})
}

// ==================== Two-factor ====================

func (h *Handler) ServeTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.server.SetupTwoFactor(r.Context(), h.subject(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTwoFactorSetupResponse(enrollment))
}

func (h *Handler) ServeTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	var body enableTwoFactorBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.EnableTwoFactor(r.Context(), h.subject(r), body.Secret, body.Code, body.RecoveryCodes); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "enabled"})
}

func (h *Handler) ServeTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.DisableTwoFactor(r.Context(), h.subject(r), body.Password, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "disabled"})
}

func (h *Handler) ServeRegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	codes, err := h.server.RegenerateRecoveryCodes(r.Context(), h.subject(r), body.Password, h.clientIP(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recoveryCodesResponse{RecoveryCodes: codes})
}

// ==================== ALTCHA ====================

// ServeAltchaChallenge issues a signed proof-of-work challenge
func (h *Handler) ServeAltchaChallenge(w http.ResponseWriter, r *http.Request) {
	if h.server.Altcha == nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Proof of work is not configured", http.StatusNotFound)
		return
	}
	challenge, err := h.server.Altcha.GenerateChallenge()
	if err != nil {
		h.renderError(w, r, server.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

// ServeAltchaVerify checks a solved challenge and spends it
func (h *Handler) ServeAltchaVerify(w http.ResponseWriter, r *http.Request) {
	var body altchaBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.VerifyAltcha(r.Context(), body.Payload, h.clientIP(r)); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "verified"})
}

// ==================== Administration ====================

func (h *Handler) ServeSetRoles(w http.ResponseWriter, r *http.Request) {
	var body rolesBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.server.SetIdentityRoles(r.Context(), r.PathValue("id"), body.Roles); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

func (h *Handler) ServeListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.server.ListClients(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	out := make([]clientResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, newClientResponse(c, ""))
	}
	writeJSON(w, http.StatusOK, out)
}

// ServeRegisterClient registers a client. The secret of a confidential client
// appears in this response only.
func (h *Handler) ServeRegisterClient(w http.ResponseWriter, r *http.Request) {
	var body clientBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), server.ClientRegistration{
		ClientID:      body.ClientID,
		ClientName:    body.ClientName,
		ClientType:    body.ClientType,
		RedirectURIs:  body.RedirectURIs,
		AllowedScopes: body.AllowedScopes,
		Audience:      body.Audience,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "Client registered",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"by", h.subject(r))
	writeJSON(w, http.StatusCreated, newClientResponse(client, secret))
}

func (h *Handler) ServeSetClientActive(w http.ResponseWriter, r *http.Request) {
	var body clientBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if body.Active == nil {
		h.renderError(w, r, server.ErrInvalidRequest("active is required"))
		return
	}
	if err := h.server.SetClientActive(r.Context(), r.PathValue("id"), *body.Active); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

func (h *Handler) ServeListScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.server.ListScopes(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	out := make([]scopeResponse, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, newScopeResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ServeRegisterScope(w http.ResponseWriter, r *http.Request) {
	var body scopeBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	scope, err := h.server.RegisterScope(r.Context(), body.Name, body.Description)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newScopeResponse(scope))
}

func (h *Handler) ServeSetScopeActive(w http.ResponseWriter, r *http.Request) {
	var body scopeBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.renderError(w, r, err)
		return
	}
	if body.Active == nil {
		h.renderError(w, r, server.ErrInvalidRequest("active is required"))
		return
	}
	if err := h.server.SetScopeActive(r.Context(), r.PathValue("name"), *body.Active); err != nil {
		h.renderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

// ServeAuditEvents queries the audit log. Filters: identity_id, email, ip,
// type, since and until (RFC 3339) and limit.
func (h *Handler) ServeAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.auditStore == nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Audit persistence is not configured", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	query := storage.AuditQuery{
		IdentityID: q.Get("identity_id"),
		Email:      q.Get("email"),
		IPAddress:  q.Get("ip"),
		Type:       q.Get("type"),
		Limit:      defaultAuditLimit,
	}

	var err error
	if query.Since, err = parseTimeParam(q.Get("since")); err != nil {
		h.renderError(w, r, server.ErrInvalidRequest("since must be an RFC 3339 time"))
		return
	}
	if query.Until, err = parseTimeParam(q.Get("until")); err != nil {
		h.renderError(w, r, server.ErrInvalidRequest("until must be an RFC 3339 time"))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.renderError(w, r, server.ErrInvalidRequest("limit must be a positive integer"))
			return
		}
		query.Limit = n
	}

	events, err := h.auditStore.QueryAuditEvents(r.Context(), query)
	if err != nil {
		h.renderError(w, r, server.ErrInternal(err))
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, newAuditEventResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
