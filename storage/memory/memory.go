// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/storage"
)

const (
	// keyLogLength is the number of characters of a key included in debug logs
	keyLogLength = 8

	// defaultAuditRetention bounds the in-memory audit log
	defaultAuditRetention = 100000
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	identities     map[string]*storage.Identity // id -> identity
	emailIndex     map[string]string            // lowercased email -> id
	federatedIndex map[string]string            // provider + "\x00" + federated id -> id

	clients  map[string]*storage.Client
	scopes   map[string]*storage.Scope
	consents map[string]*storage.UserConsent // identity + "\x00" + client -> consent

	refreshTokens map[string]*storage.RefreshToken // token hash -> record
	challenges    map[string]*storage.Challenge    // kind + ":" + key -> challenge

	auditLog       []*storage.AuditEvent
	auditRetention int

	// now is the time source for expiry checks
	now func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters read by metric callbacks without taking the lock
	challengesCount    atomic.Int64
	identitiesCount    atomic.Int64
	refreshTokensCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.IdentityStore     = (*Store)(nil)
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.ScopeStore        = (*Store)(nil)
	_ storage.ConsentStore      = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.AuditStore        = (*Store)(nil)
	_ storage.ChallengeStore    = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		identities:      make(map[string]*storage.Identity),
		emailIndex:      make(map[string]string),
		federatedIndex:  make(map[string]string),
		clients:         make(map[string]*storage.Client),
		scopes:          make(map[string]*storage.Scope),
		consents:        make(map[string]*storage.UserConsent),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		challenges:      make(map[string]*storage.Challenge),
		auditRetention:  defaultAuditRetention,
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used for expiry checks and sweeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.challengesCount.Store(int64(len(s.challenges)))
	s.identitiesCount.Store(int64(len(s.identities)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.challengesCount.Load() },
			func() int64 { return s.identitiesCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// IdentityStore Implementation
// ============================================================

func federatedKey(provider, id string) string {
	return provider + "\x00" + id
}

// CreateIdentity inserts a new identity
func (s *Store) CreateIdentity(ctx context.Context, identity *storage.Identity) error {
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("identity id is required")
	}
	if err := identity.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(identity.Email)
	if _, exists := s.emailIndex[email]; exists {
		return storage.ErrEmailExists
	}
	if _, exists := s.identities[identity.ID]; exists {
		return fmt.Errorf("identity %s already exists", identity.ID)
	}

	stored := cloneIdentity(identity)
	s.identities[identity.ID] = stored
	s.emailIndex[email] = identity.ID
	if identity.FederatedID != "" {
		s.federatedIndex[federatedKey(identity.FederatedProvider, identity.FederatedID)] = identity.ID
	}
	s.identitiesCount.Store(int64(len(s.identities)))

	s.logger.Debug("Created identity", "identity_id", identity.ID)
	return nil
}

// GetIdentity retrieves an identity by id
func (s *Store) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	return cloneIdentity(identity), nil
}

// GetIdentityByEmail retrieves an identity by email (case-insensitive)
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	return cloneIdentity(s.identities[id]), nil
}

// GetIdentityByFederatedID retrieves the identity linked to an external account
func (s *Store) GetIdentityByFederatedID(ctx context.Context, provider, federatedID string) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.federatedIndex[federatedKey(provider, federatedID)]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	return cloneIdentity(s.identities[id]), nil
}

// UpdateIdentity replaces a stored identity and keeps the indexes in sync
func (s *Store) UpdateIdentity(ctx context.Context, identity *storage.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.identities[identity.ID]
	if !ok {
		return storage.ErrIdentityNotFound
	}

	oldEmail := strings.ToLower(existing.Email)
	newEmail := strings.ToLower(identity.Email)
	if oldEmail != newEmail {
		if _, taken := s.emailIndex[newEmail]; taken {
			return storage.ErrEmailExists
		}
		delete(s.emailIndex, oldEmail)
		s.emailIndex[newEmail] = identity.ID
	}

	if existing.FederatedID != "" {
		delete(s.federatedIndex, federatedKey(existing.FederatedProvider, existing.FederatedID))
	}
	if identity.FederatedID != "" {
		s.federatedIndex[federatedKey(identity.FederatedProvider, identity.FederatedID)] = identity.ID
	}

	s.identities[identity.ID] = cloneIdentity(identity)
	return nil
}

// ConsumeRecoveryCode atomically removes one recovery code hash
func (s *Store) ConsumeRecoveryCode(ctx context.Context, identityID, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return storage.ErrIdentityNotFound
	}

	idx := slices.Index(identity.RecoveryCodeHashes, codeHash)
	if idx < 0 {
		return storage.ErrRecoveryCodeNotFound
	}
	identity.RecoveryCodeHashes = slices.Delete(identity.RecoveryCodeHashes, idx, idx+1)
	identity.UpdatedAt = s.now()
	return nil
}

func cloneIdentity(i *storage.Identity) *storage.Identity {
	c := *i
	c.Roles = slices.Clone(i.Roles)
	c.RecoveryCodeHashes = slices.Clone(i.RecoveryCodeHashes)
	return &c
}

// ============================================================
// ClientStore / ScopeStore / ConsentStore Implementation
// ============================================================

// SaveClient inserts or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	c.RedirectURIs = slices.Clone(client.RedirectURIs)
	c.AllowedScopes = slices.Clone(client.AllowedScopes)
	s.clients[client.ClientID] = &c

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by client_id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	c := *client
	c.RedirectURIs = slices.Clone(client.RedirectURIs)
	c.AllowedScopes = slices.Clone(client.AllowedScopes)
	return &c, nil
}

// ListClients lists all registered clients ordered by client_id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// SaveScope inserts or replaces a scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *scope
	s.scopes[scope.Name] = &c
	return nil
}

// GetScope retrieves a scope by name
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[name]
	if !ok {
		return nil, storage.ErrScopeNotFound
	}
	c := *scope
	return &c, nil
}

// ListScopes lists the catalogue ordered by name
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]*storage.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		c := *scope
		scopes = append(scopes, &c)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Name < scopes[j].Name })
	return scopes, nil
}

func consentKey(identityID, clientID string) string {
	return identityID + "\x00" + clientID
}

// SaveConsent inserts or replaces the consent of an identity for a client
func (s *Store) SaveConsent(ctx context.Context, consent *storage.UserConsent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)
	s.consents[consentKey(consent.IdentityID, consent.ClientID)] = &c
	return nil
}

// GetConsent retrieves the consent of an identity for a client
func (s *Store) GetConsent(ctx context.Context, identityID, clientID string) (*storage.UserConsent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey(identityID, clientID)]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)
	return &c, nil
}

// RevokeConsent marks the consent revoked
func (s *Store) RevokeConsent(ctx context.Context, identityID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	consent, ok := s.consents[consentKey(identityID, clientID)]
	if !ok {
		return storage.ErrConsentNotFound
	}
	consent.Revoked = true
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a new refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("refresh token hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *token
	s.refreshTokens[token.TokenHash] = &c
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// GetRefreshTokenByHash retrieves a refresh token record
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	c := *token
	return &c, nil
}

// RotateRefreshToken atomically revokes the old token and stores its replacement
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *storage.RefreshToken, now time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	old, ok := s.refreshTokens[oldHash]
	if !ok {
		err = storage.ErrRefreshTokenNotFound
		return err
	}
	if old.Revoked {
		err = storage.ErrRefreshTokenRevoked
		return err
	}

	old.Revoked = true
	old.RevokedAt = now
	old.ReplacedBy = next.ID

	c := *next
	s.refreshTokens[next.TokenHash] = &c
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	s.logger.Debug("Rotated refresh token",
		"old_hash_prefix", truncate(oldHash, keyLogLength),
		"replaced_by", next.ID)
	return nil
}

// RevokeRefreshToken revokes a single token
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return storage.ErrRefreshTokenNotFound
	}
	if !token.Revoked {
		token.Revoked = true
		token.RevokedAt = now
	}
	return nil
}

// RevokeIdentityRefreshTokens revokes every live token of an identity
func (s *Store) RevokeIdentityRefreshTokens(ctx context.Context, identityID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.refreshTokens {
		if token.IdentityID == identityID && !token.Revoked {
			token.Revoked = true
			token.RevokedAt = now
			revoked++
		}
	}

	s.logger.Debug("Revoked identity refresh tokens", "identity_id", identityID, "count", revoked)
	return revoked, nil
}

// ============================================================
// AuditStore Implementation
// ============================================================

// AppendAuditEvent stores an event; the oldest events are dropped past the retention bound
func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *event
	c.Metadata = make(map[string]string, len(event.Metadata))
	for k, v := range event.Metadata {
		c.Metadata[k] = v
	}
	s.auditLog = append(s.auditLog, &c)
	if over := len(s.auditLog) - s.auditRetention; over > 0 {
		s.auditLog = slices.Delete(s.auditLog, 0, over)
	}
	return nil
}

// QueryAuditEvents returns matching events, newest first
func (s *Store) QueryAuditEvents(ctx context.Context, query storage.AuditQuery) ([]*storage.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AuditEvent
	for i := len(s.auditLog) - 1; i >= 0; i-- {
		event := s.auditLog[i]
		if !query.Matches(event) {
			continue
		}
		c := *event
		out = append(out, &c)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

// ============================================================
// ChallengeStore Implementation
// ============================================================

func challengeKey(kind storage.ChallengeKind, key string) string {
	return string(kind) + ":" + key
}

// PutChallenge stores a challenge if its key is free
func (s *Store) PutChallenge(ctx context.Context, challenge *storage.Challenge) error {
	if challenge == nil || challenge.Key == "" {
		return fmt.Errorf("challenge key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := challengeKey(challenge.Kind, challenge.Key)
	if existing, ok := s.challenges[k]; ok && s.now().Before(existing.RetainUntil()) {
		return storage.ErrChallengeExists
	}

	c := *challenge
	c.Payload = slices.Clone(challenge.Payload)
	s.challenges[k] = &c
	s.challengesCount.Store(int64(len(s.challenges)))
	return nil
}

// GetChallenge returns a challenge without consuming it
func (s *Store) GetChallenge(ctx context.Context, kind storage.ChallengeKind, key string) (*storage.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenge, ok := s.challenges[challengeKey(kind, key)]
	if !ok {
		return nil, storage.ErrChallengeNotFound
	}
	c := *challenge
	return &c, nil
}

// ConsumeChallenge atomically checks and marks a challenge used
func (s *Store) ConsumeChallenge(ctx context.Context, kind storage.ChallengeKind, key string) (*storage.Challenge, error) {
	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	challenge, ok := s.challenges[challengeKey(kind, key)]
	if !ok {
		return nil, storage.ErrChallengeNotFound
	}

	now := s.now()
	if challenge.Used {
		// return the record so the caller can act on reuse
		c := *challenge
		return &c, storage.ErrChallengeUsed
	}
	if challenge.IsExpired(now) {
		return nil, storage.ErrChallengeExpired
	}

	challenge.Used = true
	challenge.UsedAt = now
	s.logger.Debug("Consumed challenge", "kind", kind, "key_prefix", truncate(key, keyLogLength))

	c := *challenge
	return &c, nil
}

// DeleteChallenge removes a challenge
func (s *Store) DeleteChallenge(ctx context.Context, kind storage.ChallengeKind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, challengeKey(kind, key))
	s.challengesCount.Store(int64(len(s.challenges)))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup sweeps challenges past twice their TTL and expired refresh tokens.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for k, c := range s.challenges {
		if !now.Before(c.RetainUntil()) {
			delete(s.challenges, k)
			cleaned++
		}
	}

	for hash, t := range s.refreshTokens {
		if t.IsExpired(now) {
			delete(s.refreshTokens, hash)
			cleaned++
		}
	}

	s.challengesCount.Store(int64(len(s.challenges)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String("operation", operation)))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
