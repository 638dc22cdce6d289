package security

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSubjectFailures is the failed logins allowed per email within the window
	DefaultMaxSubjectFailures = 5

	// DefaultMaxOriginFailures is the failed logins allowed per client IP within the window
	DefaultMaxOriginFailures = 20

	// DefaultFailureWindow is the fixed window the failure counters cover
	DefaultFailureWindow = 15 * time.Minute

	// DefaultMaxAttemptEntries bounds each counter table
	DefaultMaxAttemptEntries = 10000

	// DefaultAttemptCleanupInterval is how often stale counters are swept
	DefaultAttemptCleanupInterval = 5 * time.Minute
)

// Limit types reported by AttemptLimiter.Check
const (
	LimitTypeOrigin  = "ip"
	LimitTypeSubject = "email"
)

// AttemptLimiterConfig configures an AttemptLimiter. Zero values use the defaults.
type AttemptLimiterConfig struct {
	MaxSubjectFailures int
	MaxOriginFailures  int
	Window             time.Duration
	MaxEntries         int
	CleanupInterval    time.Duration
}

// attemptEntry is the failure count of one key within the current window
type attemptEntry struct {
	key         string
	windowStart time.Time
	failures    int
}

// attemptTable is an LRU-bounded map of failure counters
type attemptTable struct {
	entries    map[string]*list.Element
	lruList    *list.List
	threshold  int
	maxEntries int
	evictions  int64
}

func newAttemptTable(threshold, maxEntries int) *attemptTable {
	return &attemptTable{
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
		threshold:  threshold,
		maxEntries: maxEntries,
	}
}

// AttemptLimiter tracks failed authentication attempts per subject (email) and
// per origin (client IP) over a fixed window. The two counters are independent;
// either reaching its threshold limits further attempts until the window elapses.
type AttemptLimiter struct {
	mu       sync.Mutex
	subjects *attemptTable
	origins  *attemptTable
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// Statistics
	totalFailures int64
	totalBlocked  int64
}

// NewAttemptLimiter creates a limiter with the default thresholds
func NewAttemptLimiter(logger *slog.Logger) *AttemptLimiter {
	return NewAttemptLimiterWithConfig(AttemptLimiterConfig{}, logger)
}

// NewAttemptLimiterWithConfig creates a limiter with custom thresholds and starts its cleanup loop
func NewAttemptLimiterWithConfig(cfg AttemptLimiterConfig, logger *slog.Logger) *AttemptLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSubjectFailures <= 0 {
		cfg.MaxSubjectFailures = DefaultMaxSubjectFailures
	}
	if cfg.MaxOriginFailures <= 0 {
		cfg.MaxOriginFailures = DefaultMaxOriginFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultFailureWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxAttemptEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultAttemptCleanupInterval
	}

	al := &AttemptLimiter{
		subjects:        newAttemptTable(cfg.MaxSubjectFailures, cfg.MaxEntries),
		origins:         newAttemptTable(cfg.MaxOriginFailures, cfg.MaxEntries),
		window:          cfg.Window,
		now:             time.Now,
		logger:          logger,
		cleanupInterval: cfg.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go al.cleanupLoop()

	logger.Info("Attempt limiter initialized",
		"max_subject_failures", cfg.MaxSubjectFailures,
		"max_origin_failures", cfg.MaxOriginFailures,
		"window", cfg.Window)

	return al
}

// SetClock overrides the time source.
func (al *AttemptLimiter) SetClock(now func() time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.now = now
}

func normalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// RecordFailure counts a failed attempt against origin and, when non-empty, subject.
// A counter whose window has elapsed restarts at one.
func (al *AttemptLimiter) RecordFailure(origin, subject string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	al.totalFailures++
	if origin != "" {
		al.increment(al.origins, origin, now)
	}
	if subject = normalizeSubject(subject); subject != "" {
		al.increment(al.subjects, subject, now)
	}
}

// Check reports whether origin or subject is limited, and which one.
// The origin is checked first so that the response does not depend on the subject.
func (al *AttemptLimiter) Check(origin, subject string) (bool, string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	if origin != "" && al.limited(al.origins, origin, now) {
		al.totalBlocked++
		return true, LimitTypeOrigin
	}
	if subject = normalizeSubject(subject); subject != "" && al.limited(al.subjects, subject, now) {
		al.totalBlocked++
		return true, LimitTypeSubject
	}
	return false, ""
}

// IsOriginLimited reports whether origin has reached its threshold within the window
func (al *AttemptLimiter) IsOriginLimited(origin string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.limited(al.origins, origin, al.now())
}

// IsSubjectLimited reports whether subject has reached its threshold within the window
func (al *AttemptLimiter) IsSubjectLimited(subject string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.limited(al.subjects, normalizeSubject(subject), al.now())
}

// Reset clears the subject counter after a successful login.
// The origin counter is kept so one valid account cannot launder a scanning IP.
func (al *AttemptLimiter) Reset(subject string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if elem, ok := al.subjects.entries[normalizeSubject(subject)]; ok {
		al.subjects.lruList.Remove(elem)
		delete(al.subjects.entries, normalizeSubject(subject))
	}
}

// increment must be called with the mutex held
func (al *AttemptLimiter) increment(t *attemptTable, key string, now time.Time) {
	if elem, ok := t.entries[key]; ok {
		t.lruList.MoveToFront(elem)
		entry := elem.Value.(*attemptEntry)
		if now.Sub(entry.windowStart) >= al.window {
			entry.windowStart = now
			entry.failures = 0
		}
		entry.failures++
		return
	}

	if len(t.entries) >= t.maxEntries {
		if back := t.lruList.Back(); back != nil {
			evicted := back.Value.(*attemptEntry)
			delete(t.entries, evicted.key)
			t.lruList.Remove(back)
			t.evictions++
		}
	}

	t.entries[key] = t.lruList.PushFront(&attemptEntry{key: key, windowStart: now, failures: 1})
}

// limited must be called with the mutex held
func (al *AttemptLimiter) limited(t *attemptTable, key string, now time.Time) bool {
	elem, ok := t.entries[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*attemptEntry)
	if now.Sub(entry.windowStart) >= al.window {
		delete(t.entries, key)
		t.lruList.Remove(elem)
		return false
	}
	return entry.failures >= t.threshold
}

func (al *AttemptLimiter) cleanupLoop() {
	ticker := time.NewTicker(al.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			al.Cleanup()
		case <-al.stopCleanup:
			return
		}
	}
}

// Cleanup removes counters whose window has elapsed
func (al *AttemptLimiter) Cleanup() {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	removed := 0
	for _, t := range []*attemptTable{al.subjects, al.origins} {
		var next *list.Element
		for elem := t.lruList.Front(); elem != nil; elem = next {
			next = elem.Next()
			entry := elem.Value.(*attemptEntry)
			if now.Sub(entry.windowStart) >= al.window {
				delete(t.entries, entry.key)
				t.lruList.Remove(elem)
				removed++
			}
		}
	}

	if removed > 0 {
		al.logger.Debug("Attempt limiter cleanup completed", "removed", removed)
	}
}

// Stop gracefully stops the cleanup goroutine.
// Safe to call multiple times concurrently.
func (al *AttemptLimiter) Stop() {
	al.stopOnce.Do(func() {
		close(al.stopCleanup)
	})
}

// AttemptStats holds attempt limiter statistics for monitoring
type AttemptStats struct {
	TrackedSubjects int
	TrackedOrigins  int
	TotalFailures   int64
	TotalBlocked    int64
	TotalEvictions  int64
}

// GetStats returns current limiter statistics
func (al *AttemptLimiter) GetStats() AttemptStats {
	al.mu.Lock()
	defer al.mu.Unlock()

	return AttemptStats{
		TrackedSubjects: len(al.subjects.entries),
		TrackedOrigins:  len(al.origins.entries),
		TotalFailures:   al.totalFailures,
		TotalBlocked:    al.totalBlocked,
		TotalEvictions:  al.subjects.evictions + al.origins.evictions,
	}
}
