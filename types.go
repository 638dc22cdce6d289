package iam

import (
	"time"

	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ==================== Account request bodies ====================

type registerBody struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Altcha   string `json:"altcha,omitempty"`
}

type loginBody struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	TOTPCode     string `json:"totpCode,omitempty"`
	RecoveryCode string `json:"recoveryCode,omitempty"`
	Altcha       string `json:"altcha,omitempty"`
}

type tokenBody struct {
	Token string `json:"token"`
}

type emailBody struct {
	Email string `json:"email"`
}

type resetPasswordBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type changePasswordBody struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type passwordBody struct {
	Password string `json:"password"`
}

type enableTwoFactorBody struct {
	Secret        string   `json:"secret"`
	Code          string   `json:"code"`
	RecoveryCodes []string `json:"recoveryCodes"`
}

type altchaBody struct {
	Payload string `json:"payload"`
}

type consentBody struct {
	Request string `json:"request"`
	Approve bool   `json:"approve"`
}

type clientBody struct {
	ClientID      string   `json:"client_id,omitempty"`
	ClientName    string   `json:"client_name"`
	ClientType    string   `json:"client_type,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes,omitempty"`
	Audience      string   `json:"audience,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

type scopeBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      *bool  `json:"active,omitempty"`
}

type rolesBody struct {
	Roles []string `json:"roles"`
}

// ==================== Responses ====================

type twoFactorSetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURL string   `json:"provisioningUrl"`
	QRCode          string   `json:"qrCode"`
	RecoveryCodes   []string `json:"recoveryCodes"`
}

func newTwoFactorSetupResponse(e *security.TOTPEnrollment) twoFactorSetupResponse {
	return twoFactorSetupResponse{
		Secret:          e.Secret,
		ProvisioningURL: e.ProvisioningURL,
		QRCode:          e.QRCodePNG,
		RecoveryCodes:   e.RecoveryCodes,
	}
}

type recoveryCodesResponse struct {
	RecoveryCodes []string `json:"recoveryCodes"`
}

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

type consentPageResponse struct {
	Request    string   `json:"request"`
	ClientID   string   `json:"client_id"`
	ClientName string   `json:"client_name"`
	Scopes     []string `json:"scopes"`
}

// clientResponse never carries the secret hash; ClientSecret is only set on registration.
type clientResponse struct {
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	ClientName    string    `json:"client_name"`
	ClientType    string    `json:"client_type"`
	RedirectURIs  []string  `json:"redirect_uris"`
	AllowedScopes []string  `json:"allowed_scopes"`
	Audience      string    `json:"audience,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

func newClientResponse(c *storage.Client, secret string) clientResponse {
	return clientResponse{
		ClientID:      c.ClientID,
		ClientSecret:  secret,
		ClientName:    c.ClientName,
		ClientType:    c.ClientType,
		RedirectURIs:  c.RedirectURIs,
		AllowedScopes: c.AllowedScopes,
		Audience:      c.Audience,
		Active:        c.Active,
		CreatedAt:     c.CreatedAt,
	}
}

type scopeResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

func newScopeResponse(s *storage.Scope) scopeResponse {
	return scopeResponse{Name: s.Name, Description: s.Description, Active: s.Active}
}

type statusResponse struct {
	Status string `json:"status"`
}

type auditEventResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	IdentityID string            `json:"identity_id,omitempty"`
	Email      string            `json:"email,omitempty"`
	ClientID   string            `json:"client_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Success    bool              `json:"success"`
	Details    string            `json:"details,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func newAuditEventResponse(e *storage.AuditEvent) auditEventResponse {
	return auditEventResponse{
		ID:         e.ID,
		Type:       e.Type,
		IdentityID: e.IdentityID,
		Email:      e.Email,
		ClientID:   e.ClientID,
		IPAddress:  e.IPAddress,
		Success:    e.Success,
		Details:    e.Details,
		Metadata:   e.Metadata,
		Timestamp:  e.Timestamp,
	}
}
