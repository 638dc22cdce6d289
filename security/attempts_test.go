package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/machinaear/iam/internal/testutil"
)

func newTestAttemptLimiter(t *testing.T, cfg AttemptLimiterConfig, clock *testutil.MockTime) *AttemptLimiter {
	t.Helper()
	al := NewAttemptLimiterWithConfig(cfg, nil)
	t.Cleanup(al.Stop)
	al.SetClock(clock.Now)
	return al
}

func TestAttemptLimiter_SubjectThreshold(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{}, clock)

	for i := range DefaultMaxSubjectFailures - 1 {
		al.RecordFailure(fmt.Sprintf("10.0.0.%d", i), "Alice@Example.com")
	}
	if al.IsSubjectLimited("alice@example.com") {
		t.Fatal("limited before reaching the threshold")
	}

	al.RecordFailure("10.0.0.99", "alice@example.com")
	if !al.IsSubjectLimited("ALICE@example.com") {
		t.Error("not limited at the threshold")
	}

	limited, kind := al.Check("10.1.1.1", "alice@example.com")
	if !limited || kind != LimitTypeSubject {
		t.Errorf("Check() = %v, %q, want true, %q", limited, kind, LimitTypeSubject)
	}

	if al.IsSubjectLimited("bob@example.com") {
		t.Error("unrelated subject is limited")
	}
}

func TestAttemptLimiter_OriginThreshold(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{}, clock)

	// Spread over many emails so only the origin counter trips
	for i := range DefaultMaxOriginFailures {
		al.RecordFailure("192.0.2.1", fmt.Sprintf("user%d@example.com", i))
	}

	if !al.IsOriginLimited("192.0.2.1") {
		t.Error("origin not limited at the threshold")
	}

	// Origin is reported even for a subject that never failed
	limited, kind := al.Check("192.0.2.1", "fresh@example.com")
	if !limited || kind != LimitTypeOrigin {
		t.Errorf("Check() = %v, %q, want true, %q", limited, kind, LimitTypeOrigin)
	}

	if limited, _ := al.Check("192.0.2.2", "fresh@example.com"); limited {
		t.Error("another origin is limited")
	}
}

func TestAttemptLimiter_WindowResets(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{MaxSubjectFailures: 2}, clock)

	al.RecordFailure("10.0.0.1", "a@example.com")
	al.RecordFailure("10.0.0.1", "a@example.com")
	if !al.IsSubjectLimited("a@example.com") {
		t.Fatal("should be limited")
	}

	clock.Advance(DefaultFailureWindow)
	if al.IsSubjectLimited("a@example.com") {
		t.Error("still limited after the window elapsed")
	}

	// A new failure after the window starts a fresh count
	al.RecordFailure("10.0.0.1", "a@example.com")
	if al.IsSubjectLimited("a@example.com") {
		t.Error("limited after a single failure in the new window")
	}
}

func TestAttemptLimiter_ResetKeepsOrigin(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{MaxSubjectFailures: 2, MaxOriginFailures: 2}, clock)

	al.RecordFailure("10.0.0.1", "a@example.com")
	al.RecordFailure("10.0.0.1", "a@example.com")
	al.Reset("a@example.com")

	if al.IsSubjectLimited("a@example.com") {
		t.Error("subject still limited after Reset")
	}
	if !al.IsOriginLimited("10.0.0.1") {
		t.Error("Reset should not clear the origin counter")
	}
}

func TestAttemptLimiter_EmptySubjectCountsOriginOnly(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{}, clock)

	al.RecordFailure("10.0.0.1", "")
	stats := al.GetStats()
	if stats.TrackedOrigins != 1 || stats.TrackedSubjects != 0 {
		t.Errorf("stats = %+v, want one origin and no subjects", stats)
	}
}

func TestAttemptLimiter_LRUEviction(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{MaxEntries: 3}, clock)

	for i := range 5 {
		al.RecordFailure(fmt.Sprintf("10.0.0.%d", i), "")
	}

	stats := al.GetStats()
	if stats.TrackedOrigins != 3 {
		t.Errorf("TrackedOrigins = %d, want 3", stats.TrackedOrigins)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestAttemptLimiter_Cleanup(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{}, clock)

	al.RecordFailure("10.0.0.1", "a@example.com")
	clock.Advance(DefaultFailureWindow + time.Second)
	al.RecordFailure("10.0.0.2", "b@example.com")

	al.Cleanup()

	stats := al.GetStats()
	if stats.TrackedOrigins != 1 || stats.TrackedSubjects != 1 {
		t.Errorf("after cleanup stats = %+v, want one of each", stats)
	}
}

func TestAttemptLimiter_Concurrent(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	al := newTestAttemptLimiter(t, AttemptLimiterConfig{MaxSubjectFailures: 1000}, clock)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				al.RecordFailure("10.0.0.1", "a@example.com")
				al.Check("10.0.0.1", "a@example.com")
			}
		}()
	}
	wg.Wait()

	if got := al.GetStats().TotalFailures; got != 500 {
		t.Errorf("TotalFailures = %d, want 500", got)
	}
}

func TestAttemptLimiter_StopIsIdempotent(t *testing.T) {
	al := NewAttemptLimiter(nil)
	al.Stop()
	al.Stop()
}
