package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// ClientRegistration describes a client to register.
type ClientRegistration struct {
	// ClientID is generated when empty
	ClientID   string
	ClientName string
	// ClientType is "public" (default) or "confidential"
	ClientType    string
	RedirectURIs  []string
	AllowedScopes []string
	Audience      string
}

// RegisterClient registers a new OAuth client. Confidential clients receive a
// generated secret, returned once and stored only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	ctx, span := s.startSpan(ctx, "register_client")
	defer span.End()

	client, secret, err := s.registerClient(ctx, reg)
	finishSpan(span, err)
	if client != nil {
		instrumentation.AddFlowAttributes(span, client.ClientID, "", "")
	}
	return client, secret, err
}

func (s *Server) registerClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	clientType := reg.ClientType
	switch clientType {
	case "":
		clientType = storage.ClientTypePublic
	case storage.ClientTypePublic, storage.ClientTypeConfidential:
	default:
		return nil, "", ErrInvalidRequest("client_type must be public or confidential")
	}

	if err := s.ValidateRedirectURIsForRegistration(reg.RedirectURIs); err != nil {
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"category", GetRedirectURIErrorCategory(err),
			"error", err)
		return nil, "", ErrInvalidRedirect(err.Error())
	}

	for _, name := range reg.AllowedScopes {
		if _, err := s.activeScope(ctx, name); err != nil {
			return nil, "", err
		}
	}

	clientID := strings.TrimSpace(reg.ClientID)
	if clientID == "" {
		clientID = generateRandomToken()
	}
	if _, err := s.clients.GetClient(ctx, clientID); err == nil {
		return nil, "", ErrConflict("client_id is already registered", nil)
	} else if !errors.Is(err, storage.ErrClientNotFound) {
		return nil, "", ErrInternal(err)
	}

	secret, secretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", ErrInternal(err)
	}

	client := &storage.Client{
		ClientID:         clientID,
		ClientName:       reg.ClientName,
		ClientType:       clientType,
		ClientSecretHash: secretHash,
		RedirectURIs:     slices.Clone(reg.RedirectURIs),
		AllowedScopes:    slices.Clone(reg.AllowedScopes),
		Audience:         reg.Audience,
		Active:           true,
		CreatedAt:        s.now(),
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, "", ErrInternal(fmt.Errorf("failed to save client: %w", err))
	}

	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType)
	return client, secret, nil
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != storage.ClientTypeConfidential {
		return "", "", nil
	}

	secret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

// SetClientActive activates or deactivates a client. Inactive clients are rejected by every flow.
func (s *Server) SetClientActive(ctx context.Context, clientID string, active bool) error {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return ErrInvalidClient("unknown client")
		}
		return ErrInternal(err)
	}
	client.Active = active
	if err := s.clients.SaveClient(ctx, client); err != nil {
		return ErrInternal(err)
	}
	s.Logger.Info("Client status changed", "client_id", clientID, "active", active)
	return nil
}

// GetClient retrieves a client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// ListClients lists registered clients
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.clients.ListClients(ctx)
}

// activeClient returns the client if it exists and is active.
func (s *Server) activeClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("Invalid or inactive client_id")
		}
		return nil, ErrInternal(err)
	}
	if !client.Active {
		return nil, ErrInvalidClient("Invalid or inactive client_id")
	}
	return client, nil
}

// AuthenticateClient authenticates a client at the token endpoint. Public
// clients authenticate with PKCE alone; confidential clients must present
// their secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, origin string) (*storage.Client, error) {
	client, err := s.activeClient(ctx, clientID)
	if err != nil {
		s.audit(ctx, security.Event{
			Type:      security.EventInvalidOAuthClient,
			ClientID:  clientID,
			IPAddress: origin,
			Details:   "unknown or inactive client",
		})
		return nil, err
	}

	if !client.IsConfidential() {
		return client, nil
	}

	if clientSecret == "" ||
		bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		s.audit(ctx, security.Event{
			Type:      security.EventInvalidOAuthClient,
			ClientID:  clientID,
			IPAddress: origin,
			Details:   "client authentication failed",
		})
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}

// RegisterScope adds or replaces a scope in the catalogue.
func (s *Server) RegisterScope(ctx context.Context, name, description string) (*storage.Scope, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t\n\"\\") {
		return nil, ErrInvalidRequest("scope name must be a non-empty token without spaces or quotes")
	}

	scope := &storage.Scope{
		Name:        name,
		Description: description,
		Active:      true,
		CreatedAt:   s.now(),
	}
	if err := s.scopes.SaveScope(ctx, scope); err != nil {
		return nil, ErrInternal(err)
	}
	s.Logger.Info("Registered scope", "scope", name)
	return scope, nil
}

// SetScopeActive activates or deactivates a scope. Inactive scopes behave as unknown.
func (s *Server) SetScopeActive(ctx context.Context, name string, active bool) error {
	scope, err := s.scopes.GetScope(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrScopeNotFound) {
			return ErrInvalidScope("unknown scope")
		}
		return ErrInternal(err)
	}
	scope.Active = active
	if err := s.scopes.SaveScope(ctx, scope); err != nil {
		return ErrInternal(err)
	}
	return nil
}

// ListScopes lists the catalogue
func (s *Server) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	return s.scopes.ListScopes(ctx)
}

func (s *Server) activeScope(ctx context.Context, name string) (*storage.Scope, error) {
	scope, err := s.scopes.GetScope(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrScopeNotFound) {
			return nil, ErrInvalidScope("One or more requested scopes are invalid")
		}
		return nil, ErrInternal(err)
	}
	if !scope.Active {
		return nil, ErrInvalidScope("One or more requested scopes are invalid")
	}
	return scope, nil
}

// ValidateScopes parses scope and checks every entry against the catalogue and
// the client's allowed list. Unknown or inactive scopes fail closed. The error
// does not name the offending scope.
func (s *Server) ValidateScopes(ctx context.Context, client *storage.Client, scope string) ([]string, error) {
	requested := parseScope(scope)
	for _, name := range requested {
		if _, err := s.activeScope(ctx, name); err != nil {
			return nil, err
		}
		if len(client.AllowedScopes) > 0 && !slices.Contains(client.AllowedScopes, name) {
			return nil, ErrInvalidScope("One or more requested scopes are invalid")
		}
	}
	return requested, nil
}

// isFirstParty reports whether consent for client is granted without a prompt.
func (s *Server) isFirstParty(clientID string) bool {
	return slices.Contains(s.Config.FirstPartyClients, clientID)
}

// ConsentCovers reports whether identityID has a valid consent for client covering requested.
// An empty request needs no consent.
func (s *Server) ConsentCovers(ctx context.Context, identityID, clientID string, requested []string) (bool, error) {
	if len(requested) == 0 {
		return true, nil
	}
	consent, err := s.consents.GetConsent(ctx, identityID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return false, nil
		}
		return false, ErrInternal(err)
	}
	return consent.Covers(requested, s.now()), nil
}

// GrantConsent records that identityID approved scopes for clientID. Scopes
// already granted by an earlier, still valid consent are kept.
func (s *Server) GrantConsent(ctx context.Context, identityID, clientID string, scopes []string) error {
	now := s.now()
	granted := slices.Clone(scopes)

	if existing, err := s.consents.GetConsent(ctx, identityID, clientID); err == nil && existing.IsValid(now) {
		for _, sc := range existing.Scopes {
			if !slices.Contains(granted, sc) {
				granted = append(granted, sc)
			}
		}
	}

	consent := &storage.UserConsent{
		IdentityID: identityID,
		ClientID:   clientID,
		Scopes:     granted,
		ExpiresAt:  now.Add(seconds(s.Config.ConsentTTL)),
		CreatedAt:  now,
	}
	if err := s.consents.SaveConsent(ctx, consent); err != nil {
		return ErrInternal(err)
	}
	return nil
}

// RevokeConsent withdraws the consent of identityID for clientID
func (s *Server) RevokeConsent(ctx context.Context, identityID, clientID string) error {
	if err := s.consents.RevokeConsent(ctx, identityID, clientID); err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return nil
		}
		return ErrInternal(err)
	}
	return nil
}
