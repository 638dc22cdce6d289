package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/machinaear/iam/internal/helpers"
	"github.com/machinaear/iam/storage"
)

// PutChallenge stores a challenge with SET-if-absent semantics. The key expires
// at the challenge's RetainUntil.
func (s *Store) PutChallenge(ctx context.Context, challenge *storage.Challenge) error {
	if challenge == nil || challenge.Key == "" {
		return fmt.Errorf("challenge key is required")
	}
	if len(challenge.Key) > MaxKeyLength || len(challenge.Payload) > MaxPayloadSize {
		return errInputTooLarge
	}

	retainUntil := challenge.RetainUntil()
	if !retainUntil.After(s.now()) {
		return fmt.Errorf("challenge retention already elapsed")
	}

	stored, err := luaPutChallenge.Exec(ctx, s.client,
		[]string{s.challengeKey(challenge.Kind, challenge.Key)},
		[]string{
			string(challenge.Payload),
			formatMillis(challenge.CreatedAt),
			formatMillis(challenge.ExpiresAt),
			formatMillis(retainUntil),
		},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}
	if stored == 0 {
		return storage.ErrChallengeExists
	}

	s.logger.Debug("Saved challenge",
		"kind", challenge.Kind,
		"key_prefix", helpers.SafeTruncate(challenge.Key, keyLogLength))
	return nil
}

// GetChallenge returns a challenge without consuming it
func (s *Store) GetChallenge(ctx context.Context, kind storage.ChallengeKind, key string) (*storage.Challenge, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.challengeKey(kind, key)).Build()).AsStrMap()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrChallengeNotFound
	}
	return challengeFromHash(kind, key, fields)
}

// ConsumeChallenge atomically checks and marks a challenge used.
// On reuse the stored challenge is returned together with storage.ErrChallengeUsed.
func (s *Store) ConsumeChallenge(ctx context.Context, kind storage.ChallengeKind, key string) (*storage.Challenge, error) {
	status, err := luaConsumeChallenge.Exec(ctx, s.client,
		[]string{s.challengeKey(kind, key)},
		[]string{formatMillis(s.now())},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic challenge consume: %w", err)
	}

	switch status {
	case "NOT_FOUND":
		return nil, storage.ErrChallengeNotFound
	case "EXPIRED":
		return nil, storage.ErrChallengeExpired
	case "ALREADY_USED":
		c, err := s.GetChallenge(ctx, kind, key)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load reused challenge", storage.ErrChallengeUsed)
		}
		return c, storage.ErrChallengeUsed
	}

	s.logger.Debug("Consumed challenge",
		"kind", kind,
		"key_prefix", helpers.SafeTruncate(key, keyLogLength))
	return s.GetChallenge(ctx, kind, key)
}

// DeleteChallenge removes a challenge
func (s *Store) DeleteChallenge(ctx context.Context, kind storage.ChallengeKind, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.challengeKey(kind, key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

func challengeFromHash(kind storage.ChallengeKind, key string, fields map[string]string) (*storage.Challenge, error) {
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}

	c := &storage.Challenge{
		Kind:      kind,
		Key:       key,
		Payload:   []byte(fields["payload"]),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Used:      fields["used"] == "1",
	}
	if c.Used {
		if c.UsedAt, err = parseMillis(fields["used_at"]); err != nil {
			return nil, fmt.Errorf("invalid used_at: %w", err)
		}
	}
	return c, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
