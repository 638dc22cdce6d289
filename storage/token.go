package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// HashToken returns the lookup key stored for a bearer token.
// Refresh tokens are never persisted in plaintext; only this hash is.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewChallenge builds a challenge whose payload is v encoded as JSON.
func NewChallenge(kind ChallengeKind, key string, v any, now time.Time, ttl time.Duration) (*Challenge, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Challenge{
		Kind:      kind,
		Key:       key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// DecodePayload unmarshals the challenge payload into v.
func (c *Challenge) DecodePayload(v any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("%s %w: empty payload", c.Kind, ErrChallengeNotFound)
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", c.Kind, err)
	}
	return nil
}
