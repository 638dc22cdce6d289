package sqlstore

import (
	"strings"
	"time"

	"github.com/machinaear/iam/storage"
)

type identityModel struct {
	ID                string    `gorm:"primaryKey;size:64"`
	Email             string    `gorm:"size:320;not null"`
	EmailLower        string    `gorm:"size:320;not null;uniqueIndex"`
	Username          string    `gorm:"size:255"`
	PasswordHash      string    `gorm:"size:255"`
	Roles             []string  `gorm:"serializer:json;type:text"`
	Active            bool      `gorm:"not null"`
	EmailVerified     bool      `gorm:"not null"`
	FederatedProvider string    `gorm:"size:64;index:idx_identities_federated"`
	FederatedID       string    `gorm:"size:255;index:idx_identities_federated"`
	FederatedEmail    string    `gorm:"size:320"`
	FederatedSyncedAt time.Time `gorm:"autoUpdateTime:false"`
	TwoFactorEnabled  bool      `gorm:"not null"`
	TwoFactorSecret   string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (identityModel) TableName() string { return "identities" }

type recoveryCodeModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	IdentityID string `gorm:"size:64;not null;uniqueIndex:idx_recovery_codes_identity_hash"`
	CodeHash   string `gorm:"size:255;not null;uniqueIndex:idx_recovery_codes_identity_hash"`
}

func (recoveryCodeModel) TableName() string { return "identity_recovery_codes" }

type clientModel struct {
	ClientID         string    `gorm:"primaryKey;size:128"`
	ClientName       string    `gorm:"size:255"`
	ClientType       string    `gorm:"size:32;not null"`
	ClientSecretHash string    `gorm:"size:255"`
	RedirectURIs     []string  `gorm:"serializer:json;type:text"`
	AllowedScopes    []string  `gorm:"serializer:json;type:text"`
	Audience         string    `gorm:"size:255"`
	Active           bool      `gorm:"not null"`
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
}

func (clientModel) TableName() string { return "oauth_clients" }

type scopeModel struct {
	Name        string    `gorm:"primaryKey;size:128"`
	Description string    `gorm:"type:text"`
	Active      bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (scopeModel) TableName() string { return "oauth_scopes" }

type consentModel struct {
	IdentityID string    `gorm:"primaryKey;size:64"`
	ClientID   string    `gorm:"primaryKey;size:128"`
	Scopes     []string  `gorm:"serializer:json;type:text"`
	ExpiresAt  time.Time `gorm:"autoUpdateTime:false"`
	Revoked    bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
}

func (consentModel) TableName() string { return "user_consents" }

type refreshTokenModel struct {
	ID         string    `gorm:"primaryKey;size:64"`
	TokenHash  string    `gorm:"size:64;not null;uniqueIndex"`
	IdentityID string    `gorm:"size:64;not null;index"`
	ClientID   string    `gorm:"size:128"`
	Scope      string    `gorm:"type:text"`
	ExpiresAt  time.Time `gorm:"index"`
	Revoked    bool      `gorm:"not null"`
	RevokedAt  time.Time
	ReplacedBy string    `gorm:"size:64"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
}

func (refreshTokenModel) TableName() string { return "refresh_tokens" }

type auditEventModel struct {
	ID         string            `gorm:"primaryKey;size:64"`
	Type       string            `gorm:"size:64;not null;index"`
	IdentityID string            `gorm:"size:64;index"`
	Email      string            `gorm:"size:320;index"`
	ClientID   string            `gorm:"size:128"`
	IPAddress  string            `gorm:"size:64;index"`
	UserAgent  string            `gorm:"type:text"`
	Success    bool              `gorm:"not null"`
	Details    string            `gorm:"type:text"`
	Metadata   map[string]string `gorm:"serializer:json;type:text"`
	Timestamp  time.Time         `gorm:"column:occurred_at;not null;index"`
}

func (auditEventModel) TableName() string { return "audit_events" }

type challengeModel struct {
	Kind        string `gorm:"primaryKey;size:64"`
	Key         string `gorm:"primaryKey;column:challenge_key;size:512"`
	Payload     []byte
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt   time.Time `gorm:"not null"`
	RetainUntil time.Time `gorm:"not null;index"`
	Used        bool      `gorm:"not null"`
	UsedAt      time.Time
}

func (challengeModel) TableName() string { return "challenges" }

// allModels is the AutoMigrate set
var allModels = []any{
	&identityModel{},
	&recoveryCodeModel{},
	&clientModel{},
	&scopeModel{},
	&consentModel{},
	&refreshTokenModel{},
	&auditEventModel{},
	&challengeModel{},
}

// ============================================================
// Conversions
// ============================================================
//
// All timestamps are stored in UTC so that SQLite's textual comparison
// orders them correctly.

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func toIdentityModel(i *storage.Identity) *identityModel {
	return &identityModel{
		ID:                i.ID,
		Email:             i.Email,
		EmailLower:        strings.ToLower(i.Email),
		Username:          i.Username,
		PasswordHash:      i.PasswordHash,
		Roles:             i.Roles,
		Active:            i.Active,
		EmailVerified:     i.EmailVerified,
		FederatedProvider: i.FederatedProvider,
		FederatedID:       i.FederatedID,
		FederatedEmail:    i.FederatedEmail,
		FederatedSyncedAt: utc(i.FederatedSyncedAt),
		TwoFactorEnabled:  i.TwoFactorEnabled,
		TwoFactorSecret:   i.TwoFactorSecret,
		CreatedAt:         utc(i.CreatedAt),
		UpdatedAt:         utc(i.UpdatedAt),
	}
}

func (m *identityModel) toStorage(codeHashes []string) *storage.Identity {
	return &storage.Identity{
		ID:                 m.ID,
		Email:              m.Email,
		Username:           m.Username,
		PasswordHash:       m.PasswordHash,
		Roles:              m.Roles,
		Active:             m.Active,
		EmailVerified:      m.EmailVerified,
		FederatedProvider:  m.FederatedProvider,
		FederatedID:        m.FederatedID,
		FederatedEmail:     m.FederatedEmail,
		FederatedSyncedAt:  m.FederatedSyncedAt,
		TwoFactorEnabled:   m.TwoFactorEnabled,
		TwoFactorSecret:    m.TwoFactorSecret,
		RecoveryCodeHashes: codeHashes,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toClientModel(c *storage.Client) *clientModel {
	return &clientModel{
		ClientID:         c.ClientID,
		ClientName:       c.ClientName,
		ClientType:       c.ClientType,
		ClientSecretHash: c.ClientSecretHash,
		RedirectURIs:     c.RedirectURIs,
		AllowedScopes:    c.AllowedScopes,
		Audience:         c.Audience,
		Active:           c.Active,
		CreatedAt:        utc(c.CreatedAt),
	}
}

func (m *clientModel) toStorage() *storage.Client {
	return &storage.Client{
		ClientID:         m.ClientID,
		ClientName:       m.ClientName,
		ClientType:       m.ClientType,
		ClientSecretHash: m.ClientSecretHash,
		RedirectURIs:     m.RedirectURIs,
		AllowedScopes:    m.AllowedScopes,
		Audience:         m.Audience,
		Active:           m.Active,
		CreatedAt:        m.CreatedAt,
	}
}

func toRefreshTokenModel(t *storage.RefreshToken) *refreshTokenModel {
	return &refreshTokenModel{
		ID:         t.ID,
		TokenHash:  t.TokenHash,
		IdentityID: t.IdentityID,
		ClientID:   t.ClientID,
		Scope:      t.Scope,
		ExpiresAt:  utc(t.ExpiresAt),
		Revoked:    t.Revoked,
		RevokedAt:  utc(t.RevokedAt),
		ReplacedBy: t.ReplacedBy,
		CreatedAt:  utc(t.CreatedAt),
	}
}

func (m *refreshTokenModel) toStorage() *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:         m.ID,
		TokenHash:  m.TokenHash,
		IdentityID: m.IdentityID,
		ClientID:   m.ClientID,
		Scope:      m.Scope,
		ExpiresAt:  m.ExpiresAt,
		Revoked:    m.Revoked,
		RevokedAt:  m.RevokedAt,
		ReplacedBy: m.ReplacedBy,
		CreatedAt:  m.CreatedAt,
	}
}

func (m *auditEventModel) toStorage() *storage.AuditEvent {
	return &storage.AuditEvent{
		ID:         m.ID,
		Type:       m.Type,
		IdentityID: m.IdentityID,
		Email:      m.Email,
		ClientID:   m.ClientID,
		IPAddress:  m.IPAddress,
		UserAgent:  m.UserAgent,
		Success:    m.Success,
		Details:    m.Details,
		Metadata:   m.Metadata,
		Timestamp:  m.Timestamp,
	}
}

func (m *challengeModel) toStorage() *storage.Challenge {
	return &storage.Challenge{
		Kind:      storage.ChallengeKind(m.Kind),
		Key:       m.Key,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		Used:      m.Used,
		UsedAt:    m.UsedAt,
	}
}
