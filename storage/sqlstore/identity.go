package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/machinaear/iam/storage"
)

// CreateIdentity inserts a new identity together with its recovery code hashes
func (s *Store) CreateIdentity(ctx context.Context, identity *storage.Identity) error {
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("identity id is required")
	}
	if err := identity.Validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := emailTaken(tx, identity.Email, "")
		if err != nil {
			return err
		}
		if taken {
			return storage.ErrEmailExists
		}

		if err := tx.Create(toIdentityModel(identity)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return storage.ErrEmailExists
			}
			return err
		}
		return replaceRecoveryCodes(tx, identity.ID, identity.RecoveryCodeHashes)
	})
	if err != nil {
		if errors.Is(err, storage.ErrEmailExists) {
			return err
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}

	s.logger.Debug("Created identity", "identity_id", identity.ID)
	return nil
}

// GetIdentity retrieves an identity by id
func (s *Store) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	return s.findIdentity(ctx, "id = ?", id)
}

// GetIdentityByEmail retrieves an identity by email (case-insensitive)
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	return s.findIdentity(ctx, "email_lower = ?", strings.ToLower(email))
}

// GetIdentityByFederatedID retrieves the identity linked to an external account
func (s *Store) GetIdentityByFederatedID(ctx context.Context, provider, federatedID string) (*storage.Identity, error) {
	if federatedID == "" {
		return nil, storage.ErrIdentityNotFound
	}
	return s.findIdentity(ctx, "federated_provider = ? AND federated_id = ?", provider, federatedID)
}

func (s *Store) findIdentity(ctx context.Context, query string, args ...any) (*storage.Identity, error) {
	db := s.db.WithContext(ctx)

	var m identityModel
	if err := db.Where(query, args...).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	var hashes []string
	if err := db.Model(&recoveryCodeModel{}).
		Where("identity_id = ?", m.ID).
		Order("id").
		Pluck("code_hash", &hashes).Error; err != nil {
		return nil, fmt.Errorf("failed to load recovery codes: %w", err)
	}

	return m.toStorage(hashes), nil
}

// UpdateIdentity replaces a stored identity, including its recovery code hashes
func (s *Store) UpdateIdentity(ctx context.Context, identity *storage.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := emailTaken(tx, identity.Email, identity.ID)
		if err != nil {
			return err
		}
		if taken {
			return storage.ErrEmailExists
		}

		res := tx.Model(&identityModel{}).
			Where("id = ?", identity.ID).
			Select("*").
			Updates(toIdentityModel(identity))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrIdentityNotFound
		}
		return replaceRecoveryCodes(tx, identity.ID, identity.RecoveryCodeHashes)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrEmailExists), errors.Is(err, storage.ErrIdentityNotFound):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrEmailExists
	default:
		return fmt.Errorf("failed to update identity: %w", err)
	}
}

// ConsumeRecoveryCode deletes one recovery code row. The DELETE is the atomic
// step: of two concurrent callers only one sees a row affected.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, identityID, codeHash string) error {
	db := s.db.WithContext(ctx)

	res := db.Where("identity_id = ? AND code_hash = ?", identityID, codeHash).Delete(&recoveryCodeModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to consume recovery code: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&identityModel{}).Where("id = ?", identityID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check identity: %w", err)
	}
	if count == 0 {
		return storage.ErrIdentityNotFound
	}
	return storage.ErrRecoveryCodeNotFound
}

func emailTaken(tx *gorm.DB, email, exceptID string) (bool, error) {
	q := tx.Model(&identityModel{}).Where("email_lower = ?", strings.ToLower(email))
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func replaceRecoveryCodes(tx *gorm.DB, identityID string, hashes []string) error {
	if err := tx.Where("identity_id = ?", identityID).Delete(&recoveryCodeModel{}).Error; err != nil {
		return err
	}
	if len(hashes) == 0 {
		return nil
	}
	rows := make([]recoveryCodeModel, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, recoveryCodeModel{IdentityID: identityID, CodeHash: h})
	}
	return tx.Create(&rows).Error
}
