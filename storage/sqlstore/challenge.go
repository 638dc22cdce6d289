package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/machinaear/iam/storage"
)

// PutChallenge stores a challenge. An existing row past its retention is replaced.
func (s *Store) PutChallenge(ctx context.Context, challenge *storage.Challenge) error {
	if challenge == nil || challenge.Key == "" {
		return fmt.Errorf("challenge key is required")
	}

	now := s.now().UTC()
	m := &challengeModel{
		Kind:        string(challenge.Kind),
		Key:         challenge.Key,
		Payload:     challenge.Payload,
		CreatedAt:   utc(challenge.CreatedAt),
		ExpiresAt:   utc(challenge.ExpiresAt),
		RetainUntil: utc(challenge.RetainUntil()),
		Used:        challenge.Used,
		UsedAt:      utc(challenge.UsedAt),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("kind = ? AND challenge_key = ? AND retain_until <= ?", m.Kind, m.Key, now).
			Delete(&challengeModel{}).Error; err != nil {
			return err
		}
		return tx.Create(m).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrChallengeExists
	default:
		return fmt.Errorf("failed to save challenge: %w", err)
	}
}

// GetChallenge returns a challenge without consuming it
func (s *Store) GetChallenge(ctx context.Context, kind storage.ChallengeKind, key string) (*storage.Challenge, error) {
	var m challengeModel
	err := s.db.WithContext(ctx).
		Where("kind = ? AND challenge_key = ?", string(kind), key).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return m.toStorage(), nil
}

// ConsumeChallenge marks a challenge used with a conditional UPDATE; only one
// concurrent caller matches used = false.
func (s *Store) ConsumeChallenge(ctx context.Context, kind storage.ChallengeKind, key string) (c *storage.Challenge, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_challenge")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_challenge", err, startTime) }()

	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&challengeModel{}).
		Where("kind = ? AND challenge_key = ? AND used = ? AND expires_at > ?", string(kind), key, false, now).
		Updates(map[string]any{"used": true, "used_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", res.Error)
	}

	c, err = s.GetChallenge(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		s.logger.Debug("Consumed challenge", "kind", kind, "key_prefix", truncate(key, keyLogLength))
		return c, nil
	}
	if c.Used {
		return c, storage.ErrChallengeUsed
	}
	return nil, storage.ErrChallengeExpired
}

// DeleteChallenge removes a challenge
func (s *Store) DeleteChallenge(ctx context.Context, kind storage.ChallengeKind, key string) error {
	err := s.db.WithContext(ctx).
		Where("kind = ? AND challenge_key = ?", string(kind), key).
		Delete(&challengeModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}
