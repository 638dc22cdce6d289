package server

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/internal/helpers"
	"github.com/machinaear/iam/providers"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// federationState is stored under the hash of the state parameter for the
// duration of the round trip to the provider.
type federationState struct {
	Provider     string `json:"provider"`
	CodeVerifier string `json:"code_verifier"`
	PendingID    string `json:"pending_id,omitempty"`
}

// FederationResult is the outcome of a completed federated login. Tokens is
// the session of the identity. Authorization is set when the login resumed a
// deferred authorization request.
type FederationResult struct {
	Identity      *storage.Identity
	Tokens        *TokenPair
	Authorization *AuthorizationResult
	Created       bool
}

// StartFederatedLogin returns the provider URL that begins a federated login.
// pendingID optionally names a deferred authorization request to resume
// afterwards.
func (s *Server) StartFederatedLogin(ctx context.Context, pendingID string) (string, error) {
	if s.provider == nil {
		return "", ErrInvalidRequest("Federated login is not configured")
	}

	state := generateRandomToken()
	verifier := oauth2.GenerateVerifier()
	payload := federationState{
		Provider:     s.provider.Name(),
		CodeVerifier: verifier,
		PendingID:    pendingID,
	}

	challenge, err := storage.NewChallenge(storage.ChallengeFederationState, storage.HashToken(state),
		payload, s.now(), seconds(s.Config.FederationStateTTL))
	if err != nil {
		return "", ErrInternal(err)
	}
	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		return "", ErrInternal(err)
	}

	s.Logger.Debug("Started federated login",
		"provider", payload.Provider,
		"state_prefix", helpers.SafeTruncate(state, 8),
		"resumes_authorization", pendingID != "")
	return s.provider.AuthorizationURL(state, ComputeS256Challenge(verifier)), nil
}

// CompleteFederatedLogin handles the provider callback. The state is consumed
// before the code is exchanged, so a replayed callback fails without reaching
// the provider.
func (s *Server) CompleteFederatedLogin(ctx context.Context, code, state, origin string) (*FederationResult, error) {
	ctx, span := s.startSpan(ctx, "complete_federated_login")
	defer span.End()

	result, err := s.completeFederatedLogin(ctx, code, state, origin)
	finishSpan(span, err)
	if s.provider != nil {
		instrumentation.AddFederationAttributes(span, s.provider.Name())
	}
	if result != nil && result.Identity != nil {
		instrumentation.AddFlowAttributes(span, "", result.Identity.ID, "")
	}

	if m := s.metrics(); m != nil && s.provider != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.RecordFederationLogin(ctx, s.provider.Name(), outcome)
	}
	return result, err
}

func (s *Server) completeFederatedLogin(ctx context.Context, code, state, origin string) (*FederationResult, error) {
	if s.provider == nil {
		return nil, ErrInvalidRequest("Federated login is not configured")
	}
	if code == "" || state == "" {
		return nil, ErrInvalidRequest("code and state are required")
	}

	fail := func(reason string, err error) (*FederationResult, error) {
		s.Logger.Warn("Federated login failed",
			"provider", s.provider.Name(),
			"reason", reason,
			"ip", origin,
			"error", err)
		s.audit(ctx, security.Event{
			Type:      security.EventFederationFailure,
			IPAddress: origin,
			Details:   reason,
			Metadata:  map[string]string{"provider": s.provider.Name()},
		})
		return nil, err
	}

	challenge, err := s.challenges.ConsumeChallenge(ctx, storage.ChallengeFederationState, storage.HashToken(state))
	if err != nil {
		if KindOf(err) == KindInvalidGrant {
			return fail("invalid_state", ErrInvalidRequest("Login state is invalid or has expired"))
		}
		return nil, ErrInternal(err)
	}
	var fs federationState
	if err := challenge.DecodePayload(&fs); err != nil {
		return nil, ErrInternal(err)
	}
	if fs.Provider != s.provider.Name() {
		return fail("provider_mismatch", ErrInvalidRequest("Login state is invalid or has expired"))
	}

	info, err := providers.Identify(ctx, s.provider, code, fs.CodeVerifier)
	if err != nil {
		if errors.Is(err, providers.ErrEmailNotVerified) {
			return fail("email_not_verified", ErrForbidden("The provider account has no verified email"))
		}
		return fail("provider_exchange_failed", ErrUnauthorized("Federated login failed", err))
	}

	identity, created, err := s.linkFederatedIdentity(ctx, info)
	if err != nil {
		if KindOf(err) == KindInternal {
			return nil, err
		}
		return fail("link_failed", err)
	}

	tokens, err := s.issueSession(ctx, identity, GrantTypeFederation)
	if err != nil {
		return nil, err
	}

	result := &FederationResult{Identity: identity, Tokens: tokens, Created: created}
	if fs.PendingID != "" {
		auth, err := s.ResumeAuthorization(ctx, fs.PendingID, identity.ID, origin)
		if err != nil {
			// The login itself succeeded; the client flow restarts from /authorize.
			s.Logger.Warn("Could not resume authorization after federated login",
				"identity_id", identity.ID,
				"error", err)
		} else {
			result.Authorization = auth
		}
	}

	s.audit(ctx, security.Event{
		Type:       security.EventFederationLogin,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
		Metadata:   map[string]string{"provider": s.provider.Name()},
	})
	return result, nil
}

// linkFederatedIdentity maps a verified provider identity to a local one:
// an existing link wins, then an unlinked identity with the same email, and
// otherwise a new passwordless identity is created.
func (s *Server) linkFederatedIdentity(ctx context.Context, info *providers.UserInfo) (*storage.Identity, bool, error) {
	provider := s.provider.Name()
	now := s.now()
	email := normalizeEmail(info.Email)

	identity, err := s.identities.GetIdentityByFederatedID(ctx, provider, info.ID)
	switch {
	case err == nil:
		if !identity.Active {
			return nil, false, ErrForbidden("Account is disabled")
		}
		identity.FederatedEmail = email
		identity.FederatedSyncedAt = now
		identity.UpdatedAt = now
		if identity.Username == "" {
			identity.Username = federatedUsername(info)
		}
		if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
			return nil, false, ErrInternal(err)
		}
		return identity, false, nil
	case !errors.Is(err, storage.ErrIdentityNotFound):
		return nil, false, ErrInternal(err)
	}

	identity, err = s.identities.GetIdentityByEmail(ctx, email)
	switch {
	case err == nil:
		if identity.FederatedID != "" {
			// Linked to another provider account already.
			return nil, false, ErrConflict("This email is linked to a different external account", nil)
		}
		if !identity.Active {
			return nil, false, ErrForbidden("Account is disabled")
		}
		identity.FederatedProvider = provider
		identity.FederatedID = info.ID
		identity.FederatedEmail = email
		identity.FederatedSyncedAt = now
		identity.EmailVerified = true
		identity.UpdatedAt = now
		if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
			return nil, false, ErrInternal(err)
		}
		s.Logger.Info("Linked federated account to existing identity",
			"identity_id", identity.ID,
			"provider", provider)
		return identity, false, nil
	case !errors.Is(err, storage.ErrIdentityNotFound):
		return nil, false, ErrInternal(err)
	}

	identity = &storage.Identity{
		ID:                uuid.NewString(),
		Email:             email,
		Username:          federatedUsername(info),
		Roles:             append([]string(nil), s.Config.DefaultRoles...),
		Active:            true,
		EmailVerified:     true,
		FederatedProvider: provider,
		FederatedID:       info.ID,
		FederatedEmail:    email,
		FederatedSyncedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrEmailExists) {
			return nil, false, ErrConflict("Account already exists", err)
		}
		return nil, false, ErrInternal(err)
	}
	s.Logger.Info("Created identity from federated login",
		"identity_id", identity.ID,
		"provider", provider)
	return identity, true, nil
}

func federatedUsername(info *providers.UserInfo) string {
	if name := strings.TrimSpace(info.Name); name != "" {
		return helpers.SafeTruncate(name, maxUsernameLength)
	}
	local, _, _ := strings.Cut(info.Email, "@")
	return helpers.SafeTruncate(local, maxUsernameLength)
}
