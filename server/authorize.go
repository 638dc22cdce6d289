package server

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/internal/helpers"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// AuthorizationRequest holds the parameters of GET /auth/authorize.
type AuthorizationRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	State               string `json:"state,omitempty"`
	Scope               string `json:"scope,omitempty"`
}

// AuthorizationOutcome tells the transport what to do with an AuthorizationResult.
type AuthorizationOutcome int

const (
	// AuthorizationRedirect sends the browser back to the client with a code or an error.
	AuthorizationRedirect AuthorizationOutcome = iota
	// AuthorizationLoginRequired sends the browser to the login page.
	AuthorizationLoginRequired
	// AuthorizationConsentRequired sends the browser to the consent page.
	AuthorizationConsentRequired
)

// AuthorizationResult is the outcome of an authorization step. RedirectURL is
// always set; PendingID identifies the stored request when the flow has to
// resume after login or consent.
type AuthorizationResult struct {
	Outcome     AuthorizationOutcome
	RedirectURL string
	PendingID   string
}

// PendingAuthorization describes a stored request for the consent page.
type PendingAuthorization struct {
	ID         string
	ClientID   string
	ClientName string
	Scopes     []string
}

// pendingAuthorization is the payload stored while a request waits for login or consent.
type pendingAuthorization struct {
	Request    AuthorizationRequest `json:"request"`
	IdentityID string               `json:"identity_id,omitempty"`
}

// Authorize runs the authorization step of the code flow for identityID ("" when
// the caller is not logged in).
//
// Failures before the redirect URI is trusted (unknown client, unregistered
// redirect_uri, missing parameters) are returned as errors and must be
// rendered by the transport. Later failures are reported to the client through
// an error redirect.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, identityID, origin string) (*AuthorizationResult, error) {
	ctx, span := s.startSpan(ctx, "authorize")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, identityID, req.Scope)
	instrumentation.AddGrantAttributes(span, GrantTypeAuthorizationCode, req.CodeChallengeMethod)

	result, err := s.authorize(ctx, req, identityID, origin)
	finishSpan(span, err)
	return result, err
}

func (s *Server) authorize(ctx context.Context, req AuthorizationRequest, identityID, origin string) (*AuthorizationResult, error) {
	client, err := s.validateAuthorizationTarget(ctx, req, origin)
	if err != nil {
		return nil, err
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.audit(ctx, security.Event{
			Type:       security.EventPKCEValidationFailure,
			IdentityID: identityID,
			ClientID:   client.ClientID,
			IPAddress:  origin,
			Details:    err.Error(),
		})
		return s.errorRedirect(req, ErrorCodeInvalidRequest, err.Error())
	}

	scopes, err := s.ValidateScopes(ctx, client, req.Scope)
	if err != nil {
		if KindOf(err) != KindInvalidScope {
			return nil, err
		}
		return s.errorRedirect(req, ErrorCodeInvalidRequest, AsError(err).Description)
	}

	if identityID == "" {
		return s.deferAuthorization(ctx, req, "", AuthorizationLoginRequired, "/login")
	}

	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return s.deferAuthorization(ctx, req, "", AuthorizationLoginRequired, "/login")
		}
		return nil, ErrInternal(err)
	}
	if !identity.Active {
		return s.errorRedirect(req, ErrorCodeAccessDenied, "Account is disabled")
	}

	covered, err := s.ConsentCovers(ctx, identity.ID, client.ClientID, scopes)
	if err != nil {
		return nil, err
	}
	if !covered {
		if !s.isFirstParty(client.ClientID) {
			return s.deferAuthorization(ctx, req, identity.ID, AuthorizationConsentRequired, "/consent")
		}
		if err := s.GrantConsent(ctx, identity.ID, client.ClientID, scopes); err != nil {
			return nil, err
		}
	}

	return s.issueAuthorizationCode(ctx, req, identity.ID, scopes)
}

// validateAuthorizationTarget checks everything that must hold before
// redirect_uri can receive an error redirect.
func (s *Server) validateAuthorizationTarget(ctx context.Context, req AuthorizationRequest, origin string) (*storage.Client, error) {
	if req.ResponseType != "code" {
		return nil, ErrUnsupportedResponseType()
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, ErrInvalidRequest("client_id and redirect_uri are required")
	}

	client, err := s.activeClient(ctx, req.ClientID)
	if err != nil {
		s.audit(ctx, security.Event{
			Type:      security.EventInvalidOAuthClient,
			ClientID:  req.ClientID,
			IPAddress: origin,
			Details:   "authorization request for unknown or inactive client",
		})
		return nil, err
	}

	if !redirectURIAllowed(client.RedirectURIs, req.RedirectURI) {
		s.Logger.Warn("Rejected authorization request",
			"client_id", client.ClientID,
			"error", errRedirectNotAllowed(client.ClientID, req.RedirectURI),
			"ip", origin)
		s.audit(ctx, security.Event{
			Type:      security.EventInvalidRedirectURI,
			ClientID:  client.ClientID,
			IPAddress: origin,
			Details:   sanitizeURIForLogging(req.RedirectURI),
		})
		return nil, ErrInvalidRedirect("redirect_uri is not registered for this client")
	}
	return client, nil
}

// errorRedirect reports an OAuth error to a trusted redirect_uri.
func (s *Server) errorRedirect(req AuthorizationRequest, code, description string) (*AuthorizationResult, error) {
	params := url.Values{}
	params.Set("error", code)
	params.Set("error_description", description)
	if req.State != "" {
		params.Set("state", req.State)
	}
	target, err := appendQuery(req.RedirectURI, params)
	if err != nil {
		return nil, ErrInvalidRedirect("redirect_uri is malformed")
	}
	return &AuthorizationResult{Outcome: AuthorizationRedirect, RedirectURL: target}, nil
}

// deferAuthorization stores req server-side and points the browser at a
// frontend page that resumes the flow with the returned id.
func (s *Server) deferAuthorization(ctx context.Context, req AuthorizationRequest, identityID string, outcome AuthorizationOutcome, page string) (*AuthorizationResult, error) {
	id := generateRandomToken()
	pending := pendingAuthorization{Request: req, IdentityID: identityID}

	challenge, err := storage.NewChallenge(storage.ChallengePendingAuthorization, storage.HashToken(id),
		pending, s.now(), seconds(s.Config.PendingAuthorizationTTL))
	if err != nil {
		return nil, ErrInternal(err)
	}
	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		return nil, ErrInternal(err)
	}

	target, err := appendQuery(strings.TrimRight(s.Config.FrontendURL, "/")+page, url.Values{"request": {id}})
	if err != nil {
		return nil, ErrInternal(err)
	}

	s.Logger.Debug("Deferred authorization request",
		"client_id", req.ClientID,
		"page", page,
		"request_prefix", helpers.SafeTruncate(id, 8))
	return &AuthorizationResult{Outcome: outcome, RedirectURL: target, PendingID: id}, nil
}

// issueAuthorizationCode stores a single-use code bound to the PKCE challenge
// and returns the redirect carrying it.
func (s *Server) issueAuthorizationCode(ctx context.Context, req AuthorizationRequest, identityID string, scopes []string) (*AuthorizationResult, error) {
	code := generateRandomToken()
	payload := authorizationCode{
		ClientID:            req.ClientID,
		IdentityID:          identityID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               strings.Join(scopes, " "),
	}

	challenge, err := storage.NewChallenge(storage.ChallengeAuthorizationCode, storage.HashToken(code),
		payload, s.now(), seconds(s.Config.AuthorizationCodeTTL))
	if err != nil {
		return nil, ErrInternal(err)
	}
	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		return nil, ErrInternal(err)
	}

	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	target, err := appendQuery(req.RedirectURI, params)
	if err != nil {
		return nil, ErrInvalidRedirect("redirect_uri is malformed")
	}

	s.Logger.Info("Issued authorization code",
		"client_id", req.ClientID,
		"identity_id", identityID,
		"scope", payload.Scope,
		"code_prefix", helpers.SafeTruncate(code, 8))
	return &AuthorizationResult{Outcome: AuthorizationRedirect, RedirectURL: target}, nil
}

// consumePending takes a stored request. Each pending id can be used once.
func (s *Server) consumePending(ctx context.Context, pendingID string) (*pendingAuthorization, error) {
	if pendingID == "" {
		return nil, ErrInvalidRequest("request is required")
	}
	challenge, err := s.challenges.ConsumeChallenge(ctx, storage.ChallengePendingAuthorization, storage.HashToken(pendingID))
	if err != nil {
		if KindOf(err) == KindInvalidGrant {
			return nil, ErrInvalidRequest("Authorization request is unknown or has expired")
		}
		return nil, ErrInternal(err)
	}
	var pending pendingAuthorization
	if err := challenge.DecodePayload(&pending); err != nil {
		return nil, ErrInternal(err)
	}
	return &pending, nil
}

// ResumeAuthorization continues a request that was deferred for login, now
// on behalf of identityID.
func (s *Server) ResumeAuthorization(ctx context.Context, pendingID, identityID, origin string) (*AuthorizationResult, error) {
	if identityID == "" {
		return nil, ErrUnauthorized("Authentication required", nil)
	}
	pending, err := s.consumePending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if pending.IdentityID != "" && pending.IdentityID != identityID {
		return nil, ErrForbidden("Authorization request belongs to another account")
	}
	return s.Authorize(ctx, pending.Request, identityID, origin)
}

// GetPendingAuthorization describes a stored request without consuming it.
func (s *Server) GetPendingAuthorization(ctx context.Context, pendingID, identityID string) (*PendingAuthorization, error) {
	challenge, err := s.challenges.GetChallenge(ctx, storage.ChallengePendingAuthorization, storage.HashToken(pendingID))
	if err != nil || challenge.Used || challenge.IsExpired(s.now()) {
		if err != nil && KindOf(err) != KindInvalidGrant {
			return nil, ErrInternal(err)
		}
		return nil, ErrInvalidRequest("Authorization request is unknown or has expired")
	}

	var pending pendingAuthorization
	if err := challenge.DecodePayload(&pending); err != nil {
		return nil, ErrInternal(err)
	}
	if pending.IdentityID != "" && pending.IdentityID != identityID {
		return nil, ErrForbidden("Authorization request belongs to another account")
	}

	client, err := s.activeClient(ctx, pending.Request.ClientID)
	if err != nil {
		return nil, err
	}
	return &PendingAuthorization{
		ID:         pendingID,
		ClientID:   client.ClientID,
		ClientName: client.ClientName,
		Scopes:     parseScope(pending.Request.Scope),
	}, nil
}

// ApproveConsent completes a request that was deferred for consent. A denial
// sends access_denied to the client.
func (s *Server) ApproveConsent(ctx context.Context, pendingID, identityID string, approve bool, origin string) (*AuthorizationResult, error) {
	ctx, span := s.startSpan(ctx, "approve_consent")
	defer span.End()
	instrumentation.AddFlowAttributes(span, "", identityID, "")

	result, err := s.approveConsent(ctx, pendingID, identityID, approve, origin)
	finishSpan(span, err)
	return result, err
}

func (s *Server) approveConsent(ctx context.Context, pendingID, identityID string, approve bool, origin string) (*AuthorizationResult, error) {
	if identityID == "" {
		return nil, ErrUnauthorized("Authentication required", nil)
	}
	pending, err := s.consumePending(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if pending.IdentityID != identityID {
		return nil, ErrForbidden("Authorization request belongs to another account")
	}

	req := pending.Request
	client, err := s.validateAuthorizationTarget(ctx, req, origin)
	if err != nil {
		return nil, err
	}
	if !approve {
		s.Logger.Info("Consent denied", "client_id", client.ClientID, "identity_id", identityID)
		return s.errorRedirect(req, ErrorCodeAccessDenied, "The user denied the request")
	}

	scopes, err := s.ValidateScopes(ctx, client, req.Scope)
	if err != nil {
		if KindOf(err) != KindInvalidScope {
			return nil, err
		}
		return s.errorRedirect(req, ErrorCodeInvalidRequest, AsError(err).Description)
	}
	if err := s.GrantConsent(ctx, identityID, client.ClientID, scopes); err != nil {
		return nil, err
	}
	return s.issueAuthorizationCode(ctx, req, identityID, scopes)
}
