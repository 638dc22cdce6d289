package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/machinaear/iam/internal/testutil"
)

func newTestThrottle(t *testing.T, cfg ThrottleConfig, clock *testutil.MockTime) *RequestThrottle {
	t.Helper()
	rt := NewRequestThrottle(cfg, nil)
	t.Cleanup(rt.Stop)
	rt.SetClock(clock.Now)
	return rt
}

func TestRequestThrottle_Defaults(t *testing.T) {
	rt := NewRequestThrottle(ThrottleConfig{}, nil)
	defer rt.Stop()

	if rt.cfg.RequestsPerSecond != DefaultThrottleRate || rt.cfg.Burst != DefaultThrottleBurst {
		t.Errorf("cfg = %+v, want defaults", rt.cfg)
	}
	if rt.cfg.MaxEntries != DefaultMaxAttemptEntries {
		t.Errorf("MaxEntries = %d", rt.cfg.MaxEntries)
	}
}

func TestRequestThrottle_BurstThenRefill(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rt := newTestThrottle(t, ThrottleConfig{RequestsPerSecond: 1, Burst: 3}, clock)

	for i := range 3 {
		if !rt.Allow("192.0.2.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rt.Allow("192.0.2.1") {
		t.Fatal("request beyond burst should be rejected")
	}

	clock.Advance(time.Second)
	if !rt.Allow("192.0.2.1") {
		t.Error("request after refill should be allowed")
	}

	if got := rt.GetStats().TotalRejected; got != 1 {
		t.Errorf("TotalRejected = %d, want 1", got)
	}
}

func TestRequestThrottle_KeysAreIndependent(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rt := newTestThrottle(t, ThrottleConfig{RequestsPerSecond: 1, Burst: 1}, clock)

	if !rt.Allow("a") || rt.Allow("a") {
		t.Fatal("key a should allow exactly one request")
	}
	if !rt.Allow("b") {
		t.Error("key b should not be affected by key a")
	}
}

func TestRequestThrottle_LRUEviction(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rt := newTestThrottle(t, ThrottleConfig{MaxEntries: 2, Burst: 1, RequestsPerSecond: 0.001}, clock)

	rt.Allow("a")
	rt.Allow("b")
	rt.Allow("a") // a is now most recent
	rt.Allow("c") // evicts b

	stats := rt.GetStats()
	if stats.CurrentEntries != 2 || stats.TotalEvictions != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// b was evicted and gets a fresh bucket
	if !rt.Allow("b") {
		t.Error("evicted key should get a new bucket")
	}
}

func TestRequestThrottle_Cleanup(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rt := newTestThrottle(t, ThrottleConfig{MaxIdle: time.Minute}, clock)

	rt.Allow("old")
	clock.Advance(2 * time.Minute)
	rt.Allow("new")

	rt.Cleanup()

	if got := rt.GetStats().CurrentEntries; got != 1 {
		t.Errorf("CurrentEntries = %d, want 1", got)
	}
}

func TestRequestThrottle_Concurrent(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rt := newTestThrottle(t, ThrottleConfig{RequestsPerSecond: 0.001, Burst: 10}, clock)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				if rt.Allow(fmt.Sprintf("key-%d", i%2)) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 20 {
		t.Errorf("allowed = %d, want 20 (burst of 10 for two keys)", allowed)
	}
}

func TestRequestThrottle_StopIsIdempotent(t *testing.T) {
	rt := NewRequestThrottle(ThrottleConfig{}, nil)
	rt.Stop()
	rt.Stop()
}
