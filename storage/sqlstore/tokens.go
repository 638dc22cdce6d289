package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/machinaear/iam/storage"
)

// SaveRefreshToken stores a new refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("refresh token hash is required")
	}
	if err := s.db.WithContext(ctx).Create(toRefreshTokenModel(token)).Error; err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash retrieves a refresh token record
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	var m refreshTokenModel
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return m.toStorage(), nil
}

// RotateRefreshToken revokes the old token and stores its replacement in one
// transaction. The conditional UPDATE is the atomic step: under concurrency only
// one rotation matches revoked = false.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *storage.RefreshToken, now time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&refreshTokenModel{}).
			Where("token_hash = ? AND revoked = ?", oldHash, false).
			Updates(map[string]any{
				"revoked":     true,
				"revoked_at":  now.UTC(),
				"replaced_by": next.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&refreshTokenModel{}).Where("token_hash = ?", oldHash).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return storage.ErrRefreshTokenNotFound
			}
			return storage.ErrRefreshTokenRevoked
		}
		return tx.Create(toRefreshTokenModel(next)).Error
	})
	if err != nil {
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"old_hash_prefix", truncate(oldHash, keyLogLength),
		"replaced_by", next.ID)
	return nil
}

// RevokeRefreshToken revokes a single token
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	db := s.db.WithContext(ctx)

	res := db.Model(&refreshTokenModel{}).
		Where("token_hash = ? AND revoked = ?", tokenHash, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now.UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if _, err := s.GetRefreshTokenByHash(ctx, tokenHash); err != nil {
		return err
	}
	return nil
}

// RevokeIdentityRefreshTokens revokes every live token of an identity
func (s *Store) RevokeIdentityRefreshTokens(ctx context.Context, identityID string, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&refreshTokenModel{}).
		Where("identity_id = ? AND revoked = ?", identityID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now.UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke identity refresh tokens: %w", res.Error)
	}

	s.logger.Debug("Revoked identity refresh tokens", "identity_id", identityID, "count", res.RowsAffected)
	return int(res.RowsAffected), nil
}

// ============================================================
// AuditStore Implementation
// ============================================================

// AppendAuditEvent stores an event
func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	m := &auditEventModel{
		ID:         event.ID,
		Type:       event.Type,
		IdentityID: event.IdentityID,
		Email:      event.Email,
		ClientID:   event.ClientID,
		IPAddress:  event.IPAddress,
		UserAgent:  event.UserAgent,
		Success:    event.Success,
		Details:    event.Details,
		Metadata:   event.Metadata,
		Timestamp:  utc(event.Timestamp),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// QueryAuditEvents returns matching events, newest first
func (s *Store) QueryAuditEvents(ctx context.Context, query storage.AuditQuery) ([]*storage.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&auditEventModel{})
	if query.IdentityID != "" {
		q = q.Where("identity_id = ?", query.IdentityID)
	}
	if query.Email != "" {
		q = q.Where("email = ?", query.Email)
	}
	if query.IPAddress != "" {
		q = q.Where("ip_address = ?", query.IPAddress)
	}
	if query.Type != "" {
		q = q.Where("type = ?", query.Type)
	}
	if !query.Since.IsZero() {
		q = q.Where("occurred_at >= ?", query.Since.UTC())
	}
	if !query.Until.IsZero() {
		q = q.Where("occurred_at <= ?", query.Until.UTC())
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	var rows []auditEventModel
	if err := q.Order("occurred_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	out := make([]*storage.AuditEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toStorage())
	}
	return out, nil
}
