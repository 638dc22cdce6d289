package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/internal/helpers"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password" // first-party login, not exposed at /auth/token
	GrantTypeFederation        = "federation"
)

// refreshTokenType marks refresh JWTs so they are never accepted as access tokens.
const refreshTokenType = "refresh"

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	Roles    []string `json:"roles"`
	Username string   `json:"username"`
	Scope    string   `json:"scope,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	// Type is empty on access tokens
	Type string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role.
func (c *AccessClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Scopes returns the granted scopes.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *AccessClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// RefreshClaims are the claims of a refresh token. The jti is the ID of the
// stored record, which makes every refresh token unique.
type RefreshClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is the result of every successful grant.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope,omitempty"`
}

// TokenRequest carries the parameters of a token endpoint call.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// authorizationCode is the payload stored for an issued code.
type authorizationCode struct {
	ClientID            string `json:"client_id"`
	IdentityID          string `json:"identity_id"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Scope               string `json:"scope,omitempty"`
}

// issueTokenPair mints an access and a refresh token. The refresh record is
// returned unsaved so the caller can store it or rotate into it.
func (s *Server) issueTokenPair(identity *storage.Identity, clientID, scope, audience string) (*TokenPair, *storage.RefreshToken, error) {
	now := s.now()
	accessExp := now.Add(seconds(s.Config.AccessTokenTTL))
	refreshExp := now.Add(seconds(s.Config.RefreshTokenTTL))

	access := &AccessClaims{
		Roles:    slices.Clone(identity.Roles),
		Username: identity.Username,
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.NewString(),
		},
	}
	if access.Roles == nil {
		access.Roles = []string{}
	}
	if audience != "" {
		access.Audience = jwt.ClaimStrings{audience}
	}

	accessToken, err := s.keys.Sign(access)
	if err != nil {
		return nil, nil, err
	}

	recordID := uuid.NewString()
	refresh := &RefreshClaims{
		Type: refreshTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        recordID,
		},
	}
	refreshToken, err := s.keys.Sign(refresh)
	if err != nil {
		return nil, nil, err
	}

	record := &storage.RefreshToken{
		ID:         recordID,
		TokenHash:  storage.HashToken(refreshToken),
		IdentityID: identity.ID,
		ClientID:   clientID,
		Scope:      scope,
		ExpiresAt:  refreshExp,
		CreatedAt:  now,
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        s.Config.AccessTokenTTL,
		RefreshExpiresIn: s.Config.RefreshTokenTTL,
		Scope:            scope,
	}, record, nil
}

// issueSession mints and stores a token pair for a first-party login.
func (s *Server) issueSession(ctx context.Context, identity *storage.Identity, grant string) (*TokenPair, error) {
	pair, record, err := s.issueTokenPair(identity, "", "", "")
	if err != nil {
		return nil, ErrInternal(err)
	}
	if err := s.refreshTokens.SaveRefreshToken(ctx, record); err != nil {
		return nil, ErrInternal(err)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokensIssued(ctx, grant)
	}
	return pair, nil
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
// The code is consumed atomically before anything else is checked, so of two
// concurrent redemptions exactly one can succeed. Presenting an already
// consumed code revokes every refresh token of the identity it was issued to.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest, origin string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "exchange_authorization_code")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, "", "")
	instrumentation.AddGrantAttributes(span, GrantTypeAuthorizationCode, PKCEMethodS256)

	pair, err := s.exchangeAuthorizationCode(ctx, req, origin)
	finishSpan(span, err)
	return pair, err
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, req TokenRequest, origin string) (*TokenPair, error) {
	if req.Code == "" || req.RedirectURI == "" || req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code, redirect_uri and code_verifier are required")
	}

	client, err := s.AuthenticateClient(ctx, req.ClientID, req.ClientSecret, origin)
	if err != nil {
		return nil, err
	}

	fail := func(reason string, cause error) (*TokenPair, error) {
		s.Logger.Debug("Authorization code exchange failed",
			"reason", reason,
			"client_id", req.ClientID,
			"code_prefix", helpers.SafeTruncate(req.Code, 8))
		s.audit(ctx, security.Event{
			Type:      security.EventTokenExchangeFailure,
			ClientID:  req.ClientID,
			IPAddress: origin,
			Details:   reason,
		})
		return nil, ErrInvalidGrant(cause)
	}

	challenge, err := s.challenges.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, storage.HashToken(req.Code))
	if err != nil {
		if errors.Is(err, storage.ErrChallengeUsed) && challenge != nil {
			s.handleCodeReuse(ctx, challenge, req.ClientID, origin)
			return nil, ErrInvalidGrant(err)
		}
		if KindOf(err) == KindInvalidGrant {
			return fail("invalid_authorization_code", err)
		}
		return nil, ErrInternal(err)
	}

	var code authorizationCode
	if err := challenge.DecodePayload(&code); err != nil {
		return nil, ErrInternal(err)
	}

	if code.ClientID != client.ClientID {
		return fail("client_id_mismatch", nil)
	}
	if code.RedirectURI != req.RedirectURI {
		return fail("redirect_uri_mismatch", nil)
	}
	if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.audit(ctx, security.Event{
			Type:       security.EventPKCEValidationFailure,
			IdentityID: code.IdentityID,
			ClientID:   client.ClientID,
			IPAddress:  origin,
			Details:    err.Error(),
		})
		return fail("pkce_validation_failed", err)
	}

	identity, err := s.identities.GetIdentity(ctx, code.IdentityID)
	if err != nil || !identity.Active {
		return fail("identity_unavailable", err)
	}

	pair, record, err := s.issueTokenPair(identity, client.ClientID, code.Scope, client.Audience)
	if err != nil {
		return nil, ErrInternal(err)
	}
	if err := s.refreshTokens.SaveRefreshToken(ctx, record); err != nil {
		return nil, ErrInternal(err)
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID)
		m.RecordTokensIssued(ctx, GrantTypeAuthorizationCode)
	}
	s.audit(ctx, security.Event{
		Type:       security.EventTokenExchangeSuccess,
		IdentityID: identity.ID,
		ClientID:   client.ClientID,
		IPAddress:  origin,
		Success:    true,
	})
	s.Logger.Info("Authorization code exchanged",
		"client_id", client.ClientID,
		"identity_id", identity.ID,
		"scope", code.Scope)
	return pair, nil
}

// handleCodeReuse revokes the tokens of the identity a replayed code belonged to.
func (s *Server) handleCodeReuse(ctx context.Context, challenge *storage.Challenge, clientID, origin string) {
	instrumentation.MarkTokenReuse(trace.SpanFromContext(ctx))
	var code authorizationCode
	if err := challenge.DecodePayload(&code); err != nil {
		s.Logger.Error("Failed to decode reused authorization code", "error", err)
		return
	}

	s.Logger.Error("Authorization code reuse detected - revoking all tokens",
		"identity_id", code.IdentityID,
		"client_id", clientID)

	count, err := s.refreshTokens.RevokeIdentityRefreshTokens(ctx, code.IdentityID, s.now())
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse", "identity_id", code.IdentityID, "error", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx, "authorization_code")
	}
	s.audit(ctx, security.Event{
		Type:       security.EventAuthorizationCodeReuse,
		IdentityID: code.IdentityID,
		ClientID:   clientID,
		IPAddress:  origin,
		Details:    fmt.Sprintf("revoked %d refresh tokens", count),
	})
}

// RefreshAccessToken rotates a refresh token: the presented token is revoked,
// linked to its replacement, and a new pair is returned. Presenting a token
// that was already rotated is treated as theft and revokes every refresh token
// of the identity.
func (s *Server) RefreshAccessToken(ctx context.Context, req TokenRequest, origin string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "refresh_access_token")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, "", "")
	instrumentation.AddGrantAttributes(span, GrantTypeRefreshToken, "")

	pair, err := s.refreshAccessToken(ctx, req, origin)
	finishSpan(span, err)

	if m := s.metrics(); m != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.RecordTokenRefresh(ctx, result)
	}
	return pair, err
}

func (s *Server) refreshAccessToken(ctx context.Context, req TokenRequest, origin string) (*TokenPair, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	fail := func(identityID, reason string, cause error) (*TokenPair, error) {
		s.Logger.Debug("Refresh token rejected", "reason", reason, "identity_id", identityID)
		s.audit(ctx, security.Event{
			Type:       security.EventTokenRefreshFailure,
			IdentityID: identityID,
			ClientID:   req.ClientID,
			IPAddress:  origin,
			Details:    reason,
		})
		return nil, ErrInvalidGrant(cause)
	}

	var claims RefreshClaims
	if err := s.keys.Parse(req.RefreshToken, &claims); err != nil {
		return fail("", "invalid_signature_or_expired", err)
	}
	if claims.Type != refreshTokenType {
		return fail(claims.Subject, "not_a_refresh_token", nil)
	}

	oldHash := storage.HashToken(req.RefreshToken)
	record, err := s.refreshTokens.GetRefreshTokenByHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return fail(claims.Subject, "unknown_refresh_token", err)
		}
		return nil, ErrInternal(err)
	}

	if record.Revoked {
		if record.ReplacedBy != "" {
			s.handleRefreshReuse(ctx, record, origin)
		}
		return fail(record.IdentityID, "revoked_refresh_token", storage.ErrRefreshTokenRevoked)
	}
	if record.IsExpired(s.now()) {
		return fail(record.IdentityID, "expired_refresh_token", nil)
	}

	// Tokens issued to a client can only be refreshed by that client.
	var audience string
	if record.ClientID != "" {
		if req.ClientID != "" && req.ClientID != record.ClientID {
			return fail(record.IdentityID, "client_id_mismatch", nil)
		}
		client, err := s.AuthenticateClient(ctx, record.ClientID, req.ClientSecret, origin)
		if err != nil {
			return nil, err
		}
		audience = client.Audience
	}

	identity, err := s.identities.GetIdentity(ctx, record.IdentityID)
	if err != nil || !identity.Active {
		return fail(record.IdentityID, "identity_unavailable", err)
	}

	pair, next, err := s.issueTokenPair(identity, record.ClientID, record.Scope, audience)
	if err != nil {
		return nil, ErrInternal(err)
	}

	if err := s.refreshTokens.RotateRefreshToken(ctx, oldHash, next, s.now()); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenRevoked) || errors.Is(err, storage.ErrRefreshTokenNotFound) {
			// Lost a concurrent rotation of the same token.
			return fail(record.IdentityID, "concurrent_rotation", err)
		}
		return nil, ErrInternal(err)
	}

	if m := s.metrics(); m != nil {
		m.RecordTokensIssued(ctx, GrantTypeRefreshToken)
	}
	s.audit(ctx, security.Event{
		Type:       security.EventTokenRefreshSuccess,
		IdentityID: identity.ID,
		ClientID:   record.ClientID,
		IPAddress:  origin,
		Success:    true,
	})
	return pair, nil
}

// handleRefreshReuse revokes the whole token family of an identity after a rotated token reappears.
func (s *Server) handleRefreshReuse(ctx context.Context, record *storage.RefreshToken, origin string) {
	instrumentation.MarkTokenReuse(trace.SpanFromContext(ctx))
	count, err := s.refreshTokens.RevokeIdentityRefreshTokens(ctx, record.IdentityID, s.now())
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after refresh token reuse",
			"identity_id", record.IdentityID, "error", err)
	}

	s.Logger.Error("Refresh token reuse detected - revoked all tokens",
		"identity_id", record.IdentityID,
		"client_id", record.ClientID,
		"revoked", count)

	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx, "refresh_token")
	}
	s.audit(ctx, security.Event{
		Type:       security.EventTokenReuseDetected,
		IdentityID: record.IdentityID,
		ClientID:   record.ClientID,
		IPAddress:  origin,
		Details:    fmt.Sprintf("revoked %d refresh tokens", count),
	})
}

// ValidateAccessToken verifies signature and expiry of an access token. It
// does not consult storage.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	if token == "" {
		return nil, ErrUnauthorized("Missing bearer token", nil)
	}

	var claims AccessClaims
	if err := s.keys.Parse(token, &claims); err != nil {
		return nil, ErrUnauthorized("Invalid or expired token", err)
	}
	if claims.Type != "" || claims.Subject == "" {
		return nil, ErrUnauthorized("Invalid or expired token", nil)
	}
	return &claims, nil
}

// RevokeToken revokes a refresh token (RFC 7009). Unknown tokens are not an
// error. A token issued to a client may only be revoked by that client.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, origin string) error {
	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	hash := storage.HashToken(token)
	record, err := s.refreshTokens.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil
		}
		return ErrInternal(err)
	}
	if record.ClientID != "" && clientID != "" && record.ClientID != clientID {
		s.Logger.Warn("Refusing to revoke a token issued to another client",
			"client_id", clientID,
			"token_client_id", record.ClientID,
			"ip", origin)
		return nil
	}

	if err := s.refreshTokens.RevokeRefreshToken(ctx, hash, s.now()); err != nil && !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return ErrInternal(err)
	}
	return nil
}

// Logout revokes the refresh token of the current session.
func (s *Server) Logout(ctx context.Context, refreshToken, origin string) error {
	var identityID string
	if refreshToken != "" {
		if record, err := s.refreshTokens.GetRefreshTokenByHash(ctx, storage.HashToken(refreshToken)); err == nil {
			identityID = record.IdentityID
		}
		if err := s.RevokeToken(ctx, refreshToken, "", origin); err != nil {
			return err
		}
	}

	s.audit(ctx, security.Event{
		Type:       security.EventLogout,
		IdentityID: identityID,
		IPAddress:  origin,
		Success:    true,
	})
	return nil
}

// expiresAt returns the expiry of something issued now with a lifetime of ttl seconds.
func (s *Server) expiresAt(ttl int64) time.Time {
	return s.now().Add(seconds(ttl))
}
