package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrEmailNotVerified is returned when the provider does not vouch for the account email.
var ErrEmailNotVerified = errors.New("provider did not verify the account email")

// Provider is an external identity provider that local identities can be federated with.
type Provider interface {
	// Name returns the provider name stored on linked identities (e.g., "google")
	Name() string

	// AuthorizationURL returns the consent URL the browser is redirected to.
	// codeChallenge is the S256 PKCE challenge for this round trip.
	AuthorizationURL(state, codeChallenge string) string

	// ExchangeCode exchanges the code returned to the callback for provider tokens
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// UserInfo returns the profile of the account the token was issued for
	UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)

	// RevokeToken revokes a provider token
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	Name       string
	GivenName  string
	FamilyName string
	Picture    string
	Locale     string
}

// Identify completes the provider half of a federated login: code exchange
// followed by a profile lookup. Only accounts with a verified email are returned.
func Identify(ctx context.Context, p Provider, code, codeVerifier string) (*UserInfo, error) {
	token, err := p.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	info, err := p.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, errors.New("provider returned no account id")
	}
	if info.Email == "" || !info.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	return info, nil
}
