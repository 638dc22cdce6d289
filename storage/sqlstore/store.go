package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/storage"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	// DefaultCleanupInterval is how often expired challenges and refresh tokens are purged
	DefaultCleanupInterval = 5 * time.Minute

	// keyLogLength is the number of characters of a key included in debug logs
	keyLogLength = 8
)

// Config holds configuration for the SQL storage backend.
type Config struct {
	// Driver is "postgres" or "sqlite"
	Driver string

	// DSN is the driver-specific connection string
	DSN string

	// MaxOpenConns limits the connection pool. SQLite is always limited to one.
	MaxOpenConns int

	// ConnMaxLifetime bounds connection reuse (default: unlimited)
	ConnMaxLifetime time.Duration

	// CleanupInterval controls the purge loop (default 5 minutes, negative disables)
	CleanupInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a GORM implementation of every storage interface.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	stopCleanup chan struct{}
	stopOnce    sync.Once
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

// Open connects to the configured database, migrates the schema and starts the
// cleanup loop.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormLogger.New(
			slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	switch {
	case cfg.Driver == DriverSQLite:
		// SQLite serialises writers; a single connection also keeps in-memory databases alive.
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s, err := New(db, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = DefaultCleanupInterval
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}

	logger.Info("Connected to SQL storage", "driver", cfg.Driver)
	return s, nil
}

// New wraps an existing GORM handle and migrates the schema. No cleanup loop is started.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{
		db:          db,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}, nil
}

// SetClock overrides the time source for expiry checks
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation enables storage spans and operation metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// DB exposes the underlying handle (for health checks)
func (s *Store) DB() *gorm.DB { return s.db }

// Close stops the cleanup loop and closes the connection pool. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Cleanup(context.Background()); err != nil {
				s.logger.Warn("SQL storage cleanup failed", "error", err)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup deletes challenges past their retention and expired refresh tokens.
// It returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	now := s.now().UTC()

	challenges := s.db.WithContext(ctx).Where("retain_until <= ?", now).Delete(&challengeModel{})
	if challenges.Error != nil {
		return 0, fmt.Errorf("failed to purge challenges: %w", challenges.Error)
	}
	tokens := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&refreshTokenModel{})
	if tokens.Error != nil {
		return challenges.RowsAffected, fmt.Errorf("failed to purge refresh tokens: %w", tokens.Error)
	}

	removed := challenges.RowsAffected + tokens.RowsAffected
	if removed > 0 {
		s.logger.Debug("SQL storage cleanup completed",
			"challenges_removed", challenges.RowsAffected,
			"refresh_tokens_removed", tokens.RowsAffected)
	}
	return removed, nil
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
	if err != nil && !isDomainError(err) {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}

// isDomainError reports whether err is one of the storage sentinels rather than a database failure.
func isDomainError(err error) bool {
	return errors.Is(err, storage.ErrRefreshTokenRevoked) ||
		errors.Is(err, storage.ErrRefreshTokenNotFound) ||
		errors.Is(err, storage.ErrChallengeUsed) ||
		errors.Is(err, storage.ErrChallengeExpired) ||
		errors.Is(err, storage.ErrChallengeNotFound)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
