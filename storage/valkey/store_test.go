package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/machinaear/iam/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if the connection fails. Each test gets a unique prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("iamtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_MissingAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestChallengeStore_PutGetConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	c, err := storage.NewChallenge(storage.ChallengeAuthorizationCode, "code-abc123",
		map[string]string{"client_id": "web"}, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("NewChallenge() error = %v", err)
	}

	if err := s.PutChallenge(ctx, c); err != nil {
		t.Fatalf("PutChallenge() error = %v", err)
	}
	if err := s.PutChallenge(ctx, c); !errors.Is(err, storage.ErrChallengeExists) {
		t.Fatalf("second PutChallenge() error = %v, want ErrChallengeExists", err)
	}

	got, err := s.GetChallenge(ctx, storage.ChallengeAuthorizationCode, "code-abc123")
	if err != nil {
		t.Fatalf("GetChallenge() error = %v", err)
	}
	if got.Used || string(got.Payload) != string(c.Payload) {
		t.Errorf("GetChallenge() = %+v", got)
	}
	if !got.ExpiresAt.Equal(c.ExpiresAt.Truncate(time.Millisecond)) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, c.ExpiresAt)
	}

	consumed, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "code-abc123")
	if err != nil {
		t.Fatalf("ConsumeChallenge() error = %v", err)
	}
	if !consumed.Used || consumed.UsedAt.IsZero() {
		t.Errorf("consumed challenge not marked used: %+v", consumed)
	}

	var payload map[string]string
	if err := consumed.DecodePayload(&payload); err != nil || payload["client_id"] != "web" {
		t.Errorf("DecodePayload() = %v, %v", payload, err)
	}

	reused, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "code-abc123")
	if !errors.Is(err, storage.ErrChallengeUsed) {
		t.Fatalf("reuse error = %v, want ErrChallengeUsed", err)
	}
	if reused == nil || reused.Key != "code-abc123" {
		t.Errorf("reuse should return the stored record, got %+v", reused)
	}
}

func TestChallengeStore_KindsAreNamespaced(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	a, _ := storage.NewChallenge(storage.ChallengeAuthorizationCode, "same-key", nil, now, time.Minute)
	b, _ := storage.NewChallenge(storage.ChallengeFederationState, "same-key", nil, now, time.Minute)

	if err := s.PutChallenge(ctx, a); err != nil {
		t.Fatalf("PutChallenge(a) error = %v", err)
	}
	if err := s.PutChallenge(ctx, b); err != nil {
		t.Fatalf("PutChallenge(b) error = %v", err)
	}
}

func TestChallengeStore_NotFoundAndExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.ConsumeChallenge(ctx, storage.ChallengeAltcha, "missing"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("ConsumeChallenge(missing) error = %v", err)
	}
	if _, err := s.GetChallenge(ctx, storage.ChallengeAltcha, "missing"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("GetChallenge(missing) error = %v", err)
	}

	start := time.Now()
	c, _ := storage.NewChallenge(storage.ChallengeFederationState, "state-1", nil, start, time.Minute)
	if err := s.PutChallenge(ctx, c); err != nil {
		t.Fatalf("PutChallenge() error = %v", err)
	}

	// Past expiry but within retention: the key is still there
	s.SetClock(func() time.Time { return start.Add(90 * time.Second) })
	if _, err := s.ConsumeChallenge(ctx, storage.ChallengeFederationState, "state-1"); !errors.Is(err, storage.ErrChallengeExpired) {
		t.Errorf("ConsumeChallenge(expired) error = %v, want ErrChallengeExpired", err)
	}
}

func TestChallengeStore_RejectsOversizedInput(t *testing.T) {
	s := testStore(t)
	c := &storage.Challenge{
		Kind:      storage.ChallengeAltcha,
		Key:       strings.Repeat("k", MaxKeyLength+1),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := s.PutChallenge(context.Background(), c); !errors.Is(err, errInputTooLarge) {
		t.Errorf("PutChallenge() error = %v, want errInputTooLarge", err)
	}
}

func TestChallengeStore_ConcurrentConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c, _ := storage.NewChallenge(storage.ChallengeAuthorizationCode, "race-code", nil, time.Now(), time.Minute)
	if err := s.PutChallenge(ctx, c); err != nil {
		t.Fatalf("PutChallenge() error = %v", err)
	}

	var wins, reuses atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeChallenge(ctx, storage.ChallengeAuthorizationCode, "race-code")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrChallengeUsed):
				reuses.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || reuses.Load() != 19 {
		t.Errorf("wins = %d, reuses = %d, want 1 and 19", wins.Load(), reuses.Load())
	}
}

func TestChallengeStore_Delete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c, _ := storage.NewChallenge(storage.ChallengePasswordReset, "reset-1", nil, time.Now(), time.Hour)
	_ = s.PutChallenge(ctx, c)

	if err := s.DeleteChallenge(ctx, storage.ChallengePasswordReset, "reset-1"); err != nil {
		t.Fatalf("DeleteChallenge() error = %v", err)
	}
	if _, err := s.GetChallenge(ctx, storage.ChallengePasswordReset, "reset-1"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("GetChallenge() after delete error = %v", err)
	}
}
