package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/machinaear/iam/storage"
)

// SaveClient inserts or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, UpdateAll: true}).
		Create(toClientModel(client)).Error
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var m clientModel
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return m.toStorage(), nil
}

// ListClients lists all registered clients ordered by client_id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var rows []clientModel
	if err := s.db.WithContext(ctx).Order("client_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	out := make([]*storage.Client, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toStorage())
	}
	return out, nil
}

// SaveScope inserts or replaces a scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope name is required")
	}
	m := &scopeModel{
		Name:        scope.Name,
		Description: scope.Description,
		Active:      scope.Active,
		CreatedAt:   utc(scope.CreatedAt),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, UpdateAll: true}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to save scope: %w", err)
	}
	return nil
}

// GetScope retrieves a scope by name
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	var m scopeModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrScopeNotFound
		}
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	return &storage.Scope{Name: m.Name, Description: m.Description, Active: m.Active, CreatedAt: m.CreatedAt}, nil
}

// ListScopes lists the catalogue ordered by name
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	var rows []scopeModel
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	out := make([]*storage.Scope, 0, len(rows))
	for _, m := range rows {
		out = append(out, &storage.Scope{Name: m.Name, Description: m.Description, Active: m.Active, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

// SaveConsent inserts or replaces the consent of an identity for a client
func (s *Store) SaveConsent(ctx context.Context, consent *storage.UserConsent) error {
	m := &consentModel{
		IdentityID: consent.IdentityID,
		ClientID:   consent.ClientID,
		Scopes:     consent.Scopes,
		ExpiresAt:  utc(consent.ExpiresAt),
		Revoked:    consent.Revoked,
		CreatedAt:  utc(consent.CreatedAt),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity_id"}, {Name: "client_id"}},
			UpdateAll: true,
		}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to save consent: %w", err)
	}
	return nil
}

// GetConsent retrieves the consent of an identity for a client
func (s *Store) GetConsent(ctx context.Context, identityID, clientID string) (*storage.UserConsent, error) {
	var m consentModel
	err := s.db.WithContext(ctx).
		Where("identity_id = ? AND client_id = ?", identityID, clientID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return &storage.UserConsent{
		IdentityID: m.IdentityID,
		ClientID:   m.ClientID,
		Scopes:     m.Scopes,
		ExpiresAt:  m.ExpiresAt,
		Revoked:    m.Revoked,
		CreatedAt:  m.CreatedAt,
	}, nil
}

// RevokeConsent marks the consent revoked
func (s *Store) RevokeConsent(ctx context.Context, identityID, clientID string) error {
	res := s.db.WithContext(ctx).Model(&consentModel{}).
		Where("identity_id = ? AND client_id = ?", identityID, clientID).
		Update("revoked", true)
	if res.Error != nil {
		return fmt.Errorf("failed to revoke consent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrConsentNotFound
	}
	return nil
}
