package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleRate is the sustained request rate allowed per client IP
	DefaultThrottleRate = 10

	// DefaultThrottleBurst is the request burst allowed per client IP
	DefaultThrottleBurst = 20

	// DefaultThrottleMaxIdle is how long an idle bucket is kept before cleanup
	DefaultThrottleMaxIdle = 30 * time.Minute
)

// ThrottleConfig configures a RequestThrottle. Zero values use the defaults.
type ThrottleConfig struct {
	// RequestsPerSecond is the token refill rate per key
	RequestsPerSecond float64

	// Burst is the bucket size per key
	Burst int

	// MaxEntries bounds the number of tracked keys; least recently used keys are evicted
	MaxEntries int

	// MaxIdle is how long an unused bucket survives cleanup
	MaxIdle time.Duration

	// CleanupInterval is how often idle buckets are swept
	CleanupInterval time.Duration
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultThrottleRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultThrottleBurst
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxAttemptEntries
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultThrottleMaxIdle
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultAttemptCleanupInterval
	}
	return c
}

type throttleEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RequestThrottle is a per-key token bucket applied to the public authentication
// endpoints before any credential work is done. Keys are usually client IPs.
// It complements AttemptLimiter, which only counts failures.
type RequestThrottle struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lruList *list.List
	cfg     ThrottleConfig
	now     func() time.Time
	logger  *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	totalEvictions int64
	totalRejected  int64
}

// NewRequestThrottle creates a throttle and starts its cleanup loop.
func NewRequestThrottle(cfg ThrottleConfig, logger *slog.Logger) *RequestThrottle {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &RequestThrottle{
		entries:     make(map[string]*list.Element),
		lruList:     list.New(),
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go rt.cleanupLoop()
	return rt
}

// SetClock overrides the time source.
func (rt *RequestThrottle) SetClock(now func() time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.now = now
}

// Allow consumes one token for key and reports whether the request may proceed.
func (rt *RequestThrottle) Allow(key string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()

	var entry *throttleEntry
	if elem, ok := rt.entries[key]; ok {
		rt.lruList.MoveToFront(elem)
		entry = elem.Value.(*throttleEntry)
	} else {
		if len(rt.entries) >= rt.cfg.MaxEntries {
			rt.evictOldest()
		}
		entry = &throttleEntry{
			key:     key,
			limiter: rate.NewLimiter(rate.Limit(rt.cfg.RequestsPerSecond), rt.cfg.Burst),
		}
		rt.entries[key] = rt.lruList.PushFront(entry)
	}
	entry.lastAccess = now

	if entry.limiter.AllowN(now, 1) {
		return true
	}
	rt.totalRejected++
	return false
}

// evictOldest must be called with mu held.
func (rt *RequestThrottle) evictOldest() {
	elem := rt.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(rt.entries, entry.key)
	rt.lruList.Remove(elem)
	rt.totalEvictions++
}

func (rt *RequestThrottle) cleanupLoop() {
	ticker := time.NewTicker(rt.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rt.Cleanup()
		case <-rt.stopCleanup:
			return
		}
	}
}

// Cleanup drops buckets idle for longer than MaxIdle.
func (rt *RequestThrottle) Cleanup() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	removed := 0

	// The list is ordered by recency, so stop at the first fresh entry.
	for elem := rt.lruList.Back(); elem != nil; {
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) <= rt.cfg.MaxIdle {
			break
		}
		prev := elem.Prev()
		delete(rt.entries, entry.key)
		rt.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rt.logger.Debug("Request throttle cleanup completed",
			"removed", removed,
			"remaining", len(rt.entries))
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rt *RequestThrottle) Stop() {
	rt.stopOnce.Do(func() {
		close(rt.stopCleanup)
	})
}

// ThrottleStats holds request throttle statistics for monitoring
type ThrottleStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalRejected  int64
}

// GetStats returns current throttle statistics
func (rt *RequestThrottle) GetStats() ThrottleStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return ThrottleStats{
		CurrentEntries: len(rt.entries),
		MaxEntries:     rt.cfg.MaxEntries,
		TotalEvictions: rt.totalEvictions,
		TotalRejected:  rt.totalRejected,
	}
}
