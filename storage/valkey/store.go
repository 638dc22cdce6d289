package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/machinaear/iam/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "iam:"

	// keyLogLength is the number of characters to include when logging challenge keys
	keyLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxKeyLength is the maximum accepted challenge key length
	MaxKeyLength = 512

	// MaxPayloadSize is the maximum accepted challenge payload (64KB)
	MaxPayloadSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "iam:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.ChallengeStore. It lets several IAM replicas
// share authorization codes, federation states and the ALTCHA replay set.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.ChallengeStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock overrides the time source used for expiry checks. Key retention is
// still enforced by the server clock.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) challengeKey(kind storage.ChallengeKind, key string) string {
	return s.prefix + "challenge:" + string(kind) + ":" + key
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Challenges are stored as hashes:
//
//	payload, created_at, expires_at, used_at (unix milliseconds), used ("0" or "1")
//
// The key itself expires at RetainUntil so that a consumed code is still
// recognised as reused for one TTL after it stopped being valid.

// luaPutChallenge inserts a challenge unless the key already exists.
//
// KEYS[1] = challenge key
// ARGV[1] = payload
// ARGV[2] = created_at (ms)
// ARGV[3] = expires_at (ms)
// ARGV[4] = retain_until (ms), used with PEXPIREAT
//
// Returns 1 when stored, 0 when the key exists.
var luaPutChallenge = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'created_at', ARGV[2], 'expires_at', ARGV[3], 'used', '0', 'used_at', '0')
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`)

// luaConsumeChallenge marks a challenge used if it is unused and unexpired.
// SECURITY: only ONE concurrent caller can observe OK for a given key.
//
// KEYS[1] = challenge key
// ARGV[1] = now (ms)
//
// Returns OK, NOT_FOUND, ALREADY_USED or EXPIRED.
var luaConsumeChallenge = valkeygo.NewLuaScript(`
local h = redis.call('HMGET', KEYS[1], 'expires_at', 'used')
if not h[1] then
    return 'NOT_FOUND'
end
if h[2] == '1' then
    return 'ALREADY_USED'
end
if tonumber(ARGV[1]) >= tonumber(h[1]) then
    return 'EXPIRED'
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 'OK'
`)

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
