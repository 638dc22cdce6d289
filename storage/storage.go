package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors returned by every store implementation.
var (
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrEmailExists           = errors.New("email already registered")
	ErrClientNotFound        = errors.New("client not found")
	ErrScopeNotFound         = errors.New("scope not found")
	ErrConsentNotFound       = errors.New("consent not found")
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrRefreshTokenRevoked   = errors.New("refresh token revoked")
	ErrRecoveryCodeNotFound  = errors.New("recovery code not found")
	ErrChallengeNotFound     = errors.New("challenge not found")
	ErrChallengeExists       = errors.New("challenge already exists")
	ErrChallengeExpired      = errors.New("challenge expired")
	ErrChallengeUsed         = errors.New("challenge already used")
	ErrInvalidIdentityRecord = errors.New("identity must have a password hash or a federated provider id")
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// IdentityStore persists registered principals.
// All methods accept context.Context for tracing and cancellation.
type IdentityStore interface {
	// CreateIdentity inserts a new identity. Returns ErrEmailExists if the email is taken.
	CreateIdentity(ctx context.Context, identity *Identity) error

	// GetIdentity retrieves an identity by id
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// GetIdentityByEmail retrieves an identity by its (normalized) email
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)

	// GetIdentityByFederatedID retrieves the identity linked to an external provider account
	GetIdentityByFederatedID(ctx context.Context, provider, federatedID string) (*Identity, error)

	// UpdateIdentity replaces the stored identity, including its recovery code hashes
	UpdateIdentity(ctx context.Context, identity *Identity) error

	// ConsumeRecoveryCode removes one recovery code hash from the identity.
	// Returns ErrRecoveryCodeNotFound if the hash is no longer present.
	// SECURITY: This operation MUST be atomic so a recovery code is accepted at most once.
	ConsumeRecoveryCode(ctx context.Context, identityID, codeHash string) error
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// SaveClient inserts or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by client_id
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// ScopeStore persists the scope catalogue.
type ScopeStore interface {
	// SaveScope inserts or replaces a scope
	SaveScope(ctx context.Context, scope *Scope) error

	// GetScope retrieves a scope by name
	GetScope(ctx context.Context, name string) (*Scope, error)

	// ListScopes lists the catalogue
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// ConsentStore persists user consent to client scopes.
type ConsentStore interface {
	// SaveConsent inserts or replaces the consent of an identity for a client
	SaveConsent(ctx context.Context, consent *UserConsent) error

	// GetConsent retrieves the consent of an identity for a client
	GetConsent(ctx context.Context, identityID, clientID string) (*UserConsent, error)

	// RevokeConsent marks the consent revoked
	RevokeConsent(ctx context.Context, identityID, clientID string) error
}

// RefreshTokenStore persists refresh tokens by hash only.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new refresh token record
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshTokenByHash retrieves a refresh token record by the hash of the token
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken revokes the token identified by oldHash, records next.ID as its
	// replacement and stores next. Returns ErrRefreshTokenRevoked when the old token was
	// already revoked, in which case next is not stored.
	// SECURITY: This operation MUST be atomic so concurrent rotations have at most one winner.
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken, now time.Time) error

	// RevokeRefreshToken revokes a single token
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error

	// RevokeIdentityRefreshTokens revokes every live token of an identity and returns the count
	RevokeIdentityRefreshTokens(ctx context.Context, identityID string, now time.Time) (int, error)
}

// AuditStore is the append-only security event log.
type AuditStore interface {
	// AppendAuditEvent stores an event. Events are never modified afterwards.
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error

	// QueryAuditEvents returns matching events, newest first
	QueryAuditEvents(ctx context.Context, query AuditQuery) ([]*AuditEvent, error)
}

// ChallengeStore holds TTL-bounded single-use tokens: authorization codes, federation
// states, pending authorization requests, verification tokens and the ALTCHA replay set.
// Entries are retained until twice their TTL so that reuse stays detectable after expiry.
type ChallengeStore interface {
	// PutChallenge stores a challenge. Returns ErrChallengeExists if the key is present,
	// whether or not the existing entry was used.
	PutChallenge(ctx context.Context, challenge *Challenge) error

	// GetChallenge returns a challenge without consuming it
	GetChallenge(ctx context.Context, kind ChallengeKind, key string) (*Challenge, error)

	// ConsumeChallenge atomically checks that a challenge is unused and unexpired and marks it used.
	// Returns:
	// - ErrChallengeNotFound if absent
	// - ErrChallengeExpired if past ExpiresAt
	// - ErrChallengeUsed together with the stored challenge if already consumed (reuse detection)
	// SECURITY: This operation MUST be atomic to prevent concurrent consumption.
	ConsumeChallenge(ctx context.Context, kind ChallengeKind, key string) (*Challenge, error)

	// DeleteChallenge removes a challenge
	DeleteChallenge(ctx context.Context, kind ChallengeKind, key string) error
}

// Identity is a registered principal.
type Identity struct {
	ID       string
	Email    string
	Username string

	// PasswordHash is an Argon2id PHC string. Empty only for federated identities.
	PasswordHash string

	Roles         []string
	Active        bool
	EmailVerified bool

	FederatedProvider string
	FederatedID       string
	FederatedEmail    string
	FederatedSyncedAt time.Time

	TwoFactorEnabled bool
	// TwoFactorSecret is the base32 TOTP secret, encrypted at rest when an encryptor is configured
	TwoFactorSecret    string
	RecoveryCodeHashes []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether the identity can log in with a password.
func (i *Identity) HasPassword() bool {
	return i.PasswordHash != ""
}

// HasRole reports whether the identity holds role.
func (i *Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// Validate enforces record-level invariants.
func (i *Identity) Validate() error {
	if i.Email == "" {
		return errors.New("identity email is required")
	}
	if i.PasswordHash == "" && i.FederatedID == "" {
		return ErrInvalidIdentityRecord
	}
	return nil
}

// Client is a registered OAuth client.
type Client struct {
	ClientID         string
	ClientName       string
	ClientType       string // "public" or "confidential"
	ClientSecretHash string // bcrypt hash, confidential clients only

	// RedirectURIs are allowed redirect URI prefixes
	RedirectURIs  []string
	AllowedScopes []string

	// Audience is placed in the aud claim of access tokens issued to this client
	Audience string

	Active    bool
	CreatedAt time.Time
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// Scope is an entry in the permission catalogue.
type Scope struct {
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
}

// UserConsent records the scopes an identity granted to a client.
type UserConsent struct {
	IdentityID string
	ClientID   string
	Scopes     []string
	ExpiresAt  time.Time // zero means no expiry
	Revoked    bool
	CreatedAt  time.Time
}

// IsValid reports whether the consent is unrevoked and unexpired at now.
func (c *UserConsent) IsValid(now time.Time) bool {
	if c.Revoked {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// Covers reports whether the consent grants every requested scope at now.
func (c *UserConsent) Covers(requested []string, now time.Time) bool {
	if !c.IsValid(now) {
		return false
	}
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// RefreshToken is the stored record of a rotating refresh credential.
type RefreshToken struct {
	ID         string
	TokenHash  string // SHA-256 hex of the token, see HashToken
	IdentityID string
	ClientID   string
	Scope      string
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  time.Time
	// ReplacedBy is the ID of the token issued when this one was rotated
	ReplacedBy string
	CreatedAt  time.Time
}

// IsExpired reports whether the token is past its expiry at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// AuditEvent is an immutable security log record.
type AuditEvent struct {
	ID         string
	Type       string
	IdentityID string
	Email      string
	ClientID   string
	IPAddress  string
	UserAgent  string
	Success    bool
	Details    string
	Metadata   map[string]string
	Timestamp  time.Time
}

// AuditQuery filters audit events. Zero-valued fields do not filter.
type AuditQuery struct {
	IdentityID string
	Email      string
	IPAddress  string
	Type       string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Matches reports whether event satisfies the query filters (Limit is ignored).
func (q AuditQuery) Matches(event *AuditEvent) bool {
	switch {
	case q.IdentityID != "" && event.IdentityID != q.IdentityID:
		return false
	case q.Email != "" && event.Email != q.Email:
		return false
	case q.IPAddress != "" && event.IPAddress != q.IPAddress:
		return false
	case q.Type != "" && event.Type != q.Type:
		return false
	case !q.Since.IsZero() && event.Timestamp.Before(q.Since):
		return false
	case !q.Until.IsZero() && event.Timestamp.After(q.Until):
		return false
	}
	return true
}

// ChallengeKind namespaces challenge keys.
type ChallengeKind string

const (
	ChallengeAuthorizationCode    ChallengeKind = "authorization_code"
	ChallengeFederationState      ChallengeKind = "federation_state"
	ChallengePendingAuthorization ChallengeKind = "pending_authorization"
	ChallengeEmailVerification    ChallengeKind = "email_verification"
	ChallengePasswordReset        ChallengeKind = "password_reset"
	ChallengeAltcha               ChallengeKind = "altcha"
	ChallengeTwoFactorPending     ChallengeKind = "two_factor_pending"
)

// Challenge is a single-use token with an opaque JSON payload.
type Challenge struct {
	Kind      ChallengeKind
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    time.Time
}

// RetainUntil is when the entry may be swept: twice its TTL after creation.
func (c *Challenge) RetainUntil() time.Time {
	return c.CreatedAt.Add(2 * c.ExpiresAt.Sub(c.CreatedAt))
}

// IsExpired reports whether the challenge is past its expiry at now.
func (c *Challenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
