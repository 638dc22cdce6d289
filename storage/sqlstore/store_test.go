package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/machinaear/iam/internal/testutil"
	"github.com/machinaear/iam/storage"
)

// newTestStore opens a private in-memory SQLite database.
func newTestStore(t *testing.T, clock *testutil.MockTime) *Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(Config{
		Driver:          DriverSQLite,
		DSN:             fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		CleanupInterval: -1,
		Logger:          slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if clock != nil {
		s.SetClock(clock.Now)
	}
	return s
}

func testIdentity(id, email string) *storage.Identity {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &storage.Identity{
		ID:           id,
		Email:        email,
		Username:     strings.Split(email, "@")[0],
		PasswordHash: "$argon2id$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA",
		Roles:        []string{"USER"},
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing dsn", Config{Driver: DriverSQLite}},
		{"unknown driver", Config{Driver: "oracle", DSN: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.cfg); err == nil {
				t.Error("Open() should fail")
			}
		})
	}
}

func TestIdentityStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	alice := testIdentity("id-alice", "Alice@Example.com")
	alice.RecoveryCodeHashes = []string{"h1", "h2", "h3"}
	if err := s.CreateIdentity(ctx, alice); err != nil {
		t.Fatalf("CreateIdentity() error = %v", err)
	}

	dup := testIdentity("id-other", "alice@example.COM")
	if err := s.CreateIdentity(ctx, dup); !errors.Is(err, storage.ErrEmailExists) {
		t.Errorf("duplicate email error = %v, want ErrEmailExists", err)
	}

	got, err := s.GetIdentityByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetIdentityByEmail() error = %v", err)
	}
	if got.ID != "id-alice" || got.Email != "Alice@Example.com" {
		t.Errorf("got %+v", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "USER" {
		t.Errorf("Roles = %v", got.Roles)
	}
	if strings.Join(got.RecoveryCodeHashes, ",") != "h1,h2,h3" {
		t.Errorf("RecoveryCodeHashes = %v", got.RecoveryCodeHashes)
	}
	if !got.CreatedAt.Equal(alice.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, alice.CreatedAt)
	}

	if _, err := s.GetIdentity(ctx, "missing"); !errors.Is(err, storage.ErrIdentityNotFound) {
		t.Errorf("GetIdentity(missing) error = %v", err)
	}

	got.TwoFactorEnabled = true
	got.TwoFactorSecret = "enc:v1:abc"
	got.RecoveryCodeHashes = []string{"h9"}
	got.Active = false
	if err := s.UpdateIdentity(ctx, got); err != nil {
		t.Fatalf("UpdateIdentity() error = %v", err)
	}

	updated, _ := s.GetIdentity(ctx, "id-alice")
	if !updated.TwoFactorEnabled || updated.TwoFactorSecret != "enc:v1:abc" || updated.Active {
		t.Errorf("update not persisted: %+v", updated)
	}
	if len(updated.RecoveryCodeHashes) != 1 || updated.RecoveryCodeHashes[0] != "h9" {
		t.Errorf("RecoveryCodeHashes = %v", updated.RecoveryCodeHashes)
	}

	missing := testIdentity("id-ghost", "ghost@example.com")
	if err := s.UpdateIdentity(ctx, missing); !errors.Is(err, storage.ErrIdentityNotFound) {
		t.Errorf("UpdateIdentity(missing) error = %v", err)
	}
}

func TestIdentityStore_UpdateEmailConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_ = s.CreateIdentity(ctx, testIdentity("a", "a@example.com"))
	_ = s.CreateIdentity(ctx, testIdentity("b", "b@example.com"))

	b, _ := s.GetIdentity(ctx, "b")
	b.Email = "A@example.com"
	if err := s.UpdateIdentity(ctx, b); !errors.Is(err, storage.ErrEmailExists) {
		t.Errorf("UpdateIdentity() error = %v, want ErrEmailExists", err)
	}
}

func TestIdentityStore_Federated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	fed := testIdentity("fed-1", "fed@example.com")
	fed.PasswordHash = ""
	fed.FederatedProvider = "google"
	fed.FederatedID = "1234567890"
	if err := s.CreateIdentity(ctx, fed); err != nil {
		t.Fatalf("CreateIdentity() error = %v", err)
	}

	got, err := s.GetIdentityByFederatedID(ctx, "google", "1234567890")
	if err != nil || got.ID != "fed-1" {
		t.Fatalf("GetIdentityByFederatedID() = %v, %v", got, err)
	}
	if got.HasPassword() {
		t.Error("federated identity should have no password")
	}

	if _, err := s.GetIdentityByFederatedID(ctx, "github", "1234567890"); !errors.Is(err, storage.ErrIdentityNotFound) {
		t.Errorf("wrong provider error = %v", err)
	}
	if _, err := s.GetIdentityByFederatedID(ctx, "", ""); !errors.Is(err, storage.ErrIdentityNotFound) {
		t.Errorf("empty federated id error = %v", err)
	}
}

func TestIdentityStore_ConsumeRecoveryCodeConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	id := testIdentity("rc", "rc@example.com")
	id.RecoveryCodeHashes = []string{"only-code"}
	if err := s.CreateIdentity(ctx, id); err != nil {
		t.Fatalf("CreateIdentity() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ConsumeRecoveryCode(ctx, "rc", "only-code"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, storage.ErrRecoveryCodeNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
	if err := s.ConsumeRecoveryCode(ctx, "nobody", "x"); !errors.Is(err, storage.ErrIdentityNotFound) {
		t.Errorf("unknown identity error = %v", err)
	}
}

func TestRegistry_ClientsScopesConsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	client := testutil.NewTestClient("web-app", "profile", "email")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	client.ClientName = "Renamed"
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient(upsert) error = %v", err)
	}
	got, err := s.GetClient(ctx, "web-app")
	if err != nil || got.ClientName != "Renamed" || len(got.AllowedScopes) != 2 {
		t.Fatalf("GetClient() = %+v, %v", got, err)
	}
	if _, err := s.GetClient(ctx, "nope"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v", err)
	}
	clients, _ := s.ListClients(ctx)
	if len(clients) != 1 {
		t.Errorf("ListClients() len = %d", len(clients))
	}

	for _, sc := range testutil.NewTestScopes("profile", "email") {
		if err := s.SaveScope(ctx, sc); err != nil {
			t.Fatalf("SaveScope() error = %v", err)
		}
	}
	scopes, _ := s.ListScopes(ctx)
	if len(scopes) != 2 || scopes[0].Name != "email" {
		t.Errorf("ListScopes() = %v", scopes)
	}
	if _, err := s.GetScope(ctx, "admin"); !errors.Is(err, storage.ErrScopeNotFound) {
		t.Errorf("GetScope(missing) error = %v", err)
	}

	now := time.Now().UTC()
	consent := &storage.UserConsent{
		IdentityID: "id-1",
		ClientID:   "web-app",
		Scopes:     []string{"profile"},
		ExpiresAt:  now.Add(90 * 24 * time.Hour),
		CreatedAt:  now,
	}
	if err := s.SaveConsent(ctx, consent); err != nil {
		t.Fatalf("SaveConsent() error = %v", err)
	}
	gotConsent, err := s.GetConsent(ctx, "id-1", "web-app")
	if err != nil || !gotConsent.Covers([]string{"profile"}, now) {
		t.Fatalf("GetConsent() = %+v, %v", gotConsent, err)
	}
	if err := s.RevokeConsent(ctx, "id-1", "web-app"); err != nil {
		t.Fatalf("RevokeConsent() error = %v", err)
	}
	gotConsent, _ = s.GetConsent(ctx, "id-1", "web-app")
	if gotConsent.IsValid(now) {
		t.Error("revoked consent reported valid")
	}
	if err := s.RevokeConsent(ctx, "id-1", "other"); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("RevokeConsent(missing) error = %v", err)
	}
}

func newRefreshToken(id, identityID string, now time.Time) (*storage.RefreshToken, string) {
	raw := "raw-" + id
	return &storage.RefreshToken{
		ID:         id,
		TokenHash:  storage.HashToken(raw),
		IdentityID: identityID,
		ClientID:   "web-app",
		ExpiresAt:  now.Add(7 * 24 * time.Hour),
		CreatedAt:  now,
	}, raw
}

func TestRefreshTokens_Rotate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	now := time.Now().UTC()

	first, _ := newRefreshToken("rt-1", "id-1", now)
	if err := s.SaveRefreshToken(ctx, first); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	second, _ := newRefreshToken("rt-2", "id-1", now)
	if err := s.RotateRefreshToken(ctx, first.TokenHash, second, now); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}

	old, _ := s.GetRefreshTokenByHash(ctx, first.TokenHash)
	if !old.Revoked || old.ReplacedBy != "rt-2" {
		t.Errorf("old token = %+v", old)
	}
	if _, err := s.GetRefreshTokenByHash(ctx, second.TokenHash); err != nil {
		t.Errorf("replacement not stored: %v", err)
	}

	third, _ := newRefreshToken("rt-3", "id-1", now)
	if err := s.RotateRefreshToken(ctx, first.TokenHash, third, now); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
		t.Errorf("reuse error = %v, want ErrRefreshTokenRevoked", err)
	}
	if _, err := s.GetRefreshTokenByHash(ctx, third.TokenHash); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("loser's token must not be stored, got %v", err)
	}
	if err := s.RotateRefreshToken(ctx, "unknown", third, now); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("unknown hash error = %v", err)
	}
}

func TestRefreshTokens_ConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	now := time.Now().UTC()

	first, _ := newRefreshToken("root", "id-1", now)
	_ = s.SaveRefreshToken(ctx, first)

	var wins, revoked atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, _ := newRefreshToken(fmt.Sprintf("next-%d", i), "id-1", now)
			err := s.RotateRefreshToken(ctx, first.TokenHash, next, now)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrRefreshTokenRevoked):
				revoked.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || revoked.Load() != 9 {
		t.Errorf("wins = %d, revoked = %d", wins.Load(), revoked.Load())
	}
}

func TestRefreshTokens_RevokeIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	now := time.Now().UTC()

	for i := range 3 {
		rt, _ := newRefreshToken(fmt.Sprintf("a-%d", i), "alice", now)
		_ = s.SaveRefreshToken(ctx, rt)
	}
	bob, _ := newRefreshToken("b-0", "bob", now)
	_ = s.SaveRefreshToken(ctx, bob)

	one, _ := newRefreshToken("a-0", "alice", now)
	if err := s.RevokeRefreshToken(ctx, one.TokenHash, now); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}

	n, err := s.RevokeIdentityRefreshTokens(ctx, "alice", now)
	if err != nil || n != 2 {
		t.Errorf("RevokeIdentityRefreshTokens() = %d, %v, want 2", n, err)
	}

	b, _ := s.GetRefreshTokenByHash(ctx, bob.TokenHash)
	if b.Revoked {
		t.Error("bob's token should be untouched")
	}
	if err := s.RevokeRefreshToken(ctx, "missing", now); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("RevokeRefreshToken(missing) error = %v", err)
	}
}

func TestAuditStore_Query(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	events := []*storage.AuditEvent{
		{ID: "e1", Type: "LOGIN_FAILURE", Email: "a@example.com", IPAddress: "10.0.0.1", Timestamp: base},
		{ID: "e2", Type: "LOGIN_SUCCESS", Email: "a@example.com", IdentityID: "id-a", Success: true, Timestamp: base.Add(time.Minute)},
		{ID: "e3", Type: "LOGIN_FAILURE", Email: "b@example.com", IPAddress: "10.0.0.1", Timestamp: base.Add(2 * time.Minute),
			Metadata: map[string]string{"limit_type": "ip"}},
	}
	for _, e := range events {
		if err := s.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("AppendAuditEvent() error = %v", err)
		}
	}

	tests := []struct {
		name  string
		query storage.AuditQuery
		want  []string
	}{
		{"all newest first", storage.AuditQuery{}, []string{"e3", "e2", "e1"}},
		{"by email", storage.AuditQuery{Email: "a@example.com"}, []string{"e2", "e1"}},
		{"by type and ip", storage.AuditQuery{Type: "LOGIN_FAILURE", IPAddress: "10.0.0.1"}, []string{"e3", "e1"}},
		{"since", storage.AuditQuery{Since: base.Add(time.Minute)}, []string{"e3", "e2"}},
		{"until", storage.AuditQuery{Until: base}, []string{"e1"}},
		{"limit", storage.AuditQuery{Limit: 1}, []string{"e3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryAuditEvents(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryAuditEvents() error = %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}

	latest, _ := s.QueryAuditEvents(ctx, storage.AuditQuery{Limit: 1})
	if latest[0].Metadata["limit_type"] != "ip" {
		t.Errorf("Metadata = %v", latest[0].Metadata)
	}
}

func TestChallengeStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)

	c, _ := storage.NewChallenge(storage.ChallengeAuthorizationCode, "code-1",
		map[string]string{"client_id": "web-app"}, clock.Now(), 10*time.Minute)
	if err := s.PutChallenge(ctx, c); err != nil {
		t.Fatalf("PutChallenge() error = %v", err)
	}
	if err := s.PutChallenge(ctx, c); !errors.Is(err, storage.ErrChallengeExists) {
		t.Errorf("second PutChallenge() error = %v, want ErrChallengeExists", err)
	}

	consumed, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "code-1")
	if err != nil {
		t.Fatalf("ConsumeChallenge() error = %v", err)
	}
	var payload map[string]string
	if err := consumed.DecodePayload(&payload); err != nil || payload["client_id"] != "web-app" {
		t.Errorf("payload = %v, %v", payload, err)
	}

	reused, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "code-1")
	if !errors.Is(err, storage.ErrChallengeUsed) || reused == nil || !reused.Used {
		t.Errorf("reuse = %+v, %v", reused, err)
	}

	if _, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "none"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("missing error = %v", err)
	}

	// Reuse stays detectable until twice the TTL
	clock.Advance(15 * time.Minute)
	if err := s.PutChallenge(ctx, c); !errors.Is(err, storage.ErrChallengeExists) {
		t.Errorf("PutChallenge() within retention error = %v", err)
	}
	clock.Advance(6 * time.Minute)
	fresh, _ := storage.NewChallenge(storage.ChallengeAuthorizationCode, "code-1", nil, clock.Now(), 10*time.Minute)
	if err := s.PutChallenge(ctx, fresh); err != nil {
		t.Errorf("PutChallenge() after retention error = %v", err)
	}
}

func TestChallengeStore_Expired(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)

	c, _ := storage.NewChallenge(storage.ChallengeFederationState, "st", nil, clock.Now(), time.Minute)
	_ = s.PutChallenge(ctx, c)

	clock.Advance(time.Minute)
	if _, err := s.ConsumeChallenge(ctx, storage.ChallengeFederationState, "st"); !errors.Is(err, storage.ErrChallengeExpired) {
		t.Errorf("ConsumeChallenge() error = %v, want ErrChallengeExpired", err)
	}
}

func TestChallengeStore_ConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	c, _ := storage.NewChallenge(storage.ChallengeAuthorizationCode, "race", nil, time.Now(), time.Minute)
	_ = s.PutChallenge(ctx, c)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)

	c, _ := storage.NewChallenge(storage.ChallengeAltcha, "salt", nil, clock.Now(), time.Minute)
	_ = s.PutChallenge(ctx, c)
	rt, _ := newRefreshToken("rt", "id", clock.Now())
	rt.ExpiresAt = clock.Now().Add(time.Hour)
	_ = s.SaveRefreshToken(ctx, rt)

	clock.Advance(2 * time.Hour)
	removed, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := newTestStore(t, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = s.Close()
}
