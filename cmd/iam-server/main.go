// Command iam-server runs the IAM authorization server.
//
// Configuration comes from the environment (optionally seeded from a .env
// file). See iam.LoadConfig for the recognized variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/machinaear/iam"
	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/providers/google"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/server"
	"github.com/machinaear/iam/storage"
	"github.com/machinaear/iam/storage/memory"
	"github.com/machinaear/iam/storage/sqlstore"
	"github.com/machinaear/iam/storage/valkey"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("IAM server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := iam.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Observability)
	slog.SetDefault(logger)

	if cfg.Observability.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Observability.SentryDSN,
			Environment:      cfg.Observability.Environment,
			AttachStacktrace: true,
		}); err != nil {
			logger.Warn("Sentry initialization failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "iam",
		Enabled:         cfg.Observability.MetricsExporter != instrumentation.ExporterNone || cfg.Observability.TracesExporter != instrumentation.ExporterNone,
		MetricsExporter: cfg.Observability.MetricsExporter,
		TracesExporter:  cfg.Observability.TracesExporter,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	backend, err := openStorage(cfg.Storage, inst, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	keys, err := loadKeys(cfg.Security.SigningKeyFile, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(backend.stores, keys, security.NewPasswordHasher(security.DefaultArgon2Params()), &cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	enc, err := security.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if !enc.IsEnabled() {
		logger.Warn("ENCRYPTION_KEY not set, TOTP secrets are stored in plaintext")
	}
	srv.SetEncryptor(enc)
	srv.SetAuditor(security.NewAuditor(logger, backend.audit))

	limiter := security.NewAttemptLimiter(logger)
	defer limiter.Stop()
	srv.SetAttemptLimiter(limiter)

	altcha, err := security.NewAltchaManager([]byte(cfg.Security.AltchaHMACSecret), backend.stores.Challenges, logger)
	if err != nil {
		return fmt.Errorf("create ALTCHA manager: %w", err)
	}
	srv.SetAltchaManager(altcha)

	if cfg.GoogleAuth.Enabled() {
		provider, err := google.NewProvider(&google.Config{
			ClientID:     cfg.GoogleAuth.ClientID,
			ClientSecret: cfg.GoogleAuth.ClientSecret,
			RedirectURL:  cfg.GoogleAuth.RedirectURL,
		})
		if err != nil {
			return fmt.Errorf("create Google provider: %w", err)
		}
		srv.SetProvider(provider)
		logger.Info("Google federation enabled")
	}
	srv.SetInstrumentation(inst)

	handler := iam.NewHandler(srv, cfg, logger)
	handler.SetInstrumentation(inst)
	handler.SetAuditStore(backend.audit)

	throttle := security.NewRequestThrottle(security.ThrottleConfig{
		RequestsPerSecond: cfg.RateLimit.Rate,
		Burst:             cfg.RateLimit.Burst,
	}, logger)
	defer throttle.Stop()
	handler.SetRequestThrottle(throttle)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	if cfg.Observability.MetricsExporter == instrumentation.ExporterPrometheus {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("IAM server listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Server.Issuer,
			"storage", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("IAM server stopped")
	return nil
}

func newLogger(cfg iam.ObservabilityConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// storageBackend bundles the stores handed to the server with the audit
// sink and the teardown for whatever was opened.
type storageBackend struct {
	stores  server.Stores
	audit   storage.AuditStore
	closers []func()
}

func (b *storageBackend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openStorage(cfg iam.StorageConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (*storageBackend, error) {
	b := &storageBackend{}

	switch cfg.Driver {
	case iam.DriverSQLite, iam.DriverPostgres:
		store, err := sqlstore.Open(sqlstore.Config{
			Driver: cfg.Driver,
			DSN:    cfg.DSN,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
		}
		store.SetInstrumentation(inst)
		b.closers = append(b.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Closing database failed", "error", err)
			}
		})
		b.stores = server.Stores{
			Identities:    store,
			Clients:       store,
			Scopes:        store,
			Consents:      store,
			RefreshTokens: store,
			Challenges:    store,
		}
		b.audit = store
	default:
		store := memory.New()
		store.SetInstrumentation(inst)
		b.closers = append(b.closers, store.Stop)
		b.stores = server.Stores{
			Identities:    store,
			Clients:       store,
			Scopes:        store,
			Consents:      store,
			RefreshTokens: store,
			Challenges:    store,
		}
		b.audit = store
		logger.Warn("Using in-memory storage, all data is lost on restart")
	}

	if cfg.ValkeyAddr != "" {
		challenges, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			Logger:   logger,
		})
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect to valkey: %w", err)
		}
		b.closers = append(b.closers, challenges.Close)
		b.stores.Challenges = challenges
		logger.Info("Using valkey for one-time challenges", "addr", cfg.ValkeyAddr)
	}

	return b, nil
}

func loadKeys(path string, logger *slog.Logger) (*security.KeyManager, error) {
	if path == "" {
		logger.Warn("SIGNING_KEY_FILE not set, generated an ephemeral signing key; tokens will not survive a restart")
		return security.NewKeyManager()
	}
	pemBytes, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	keys, err := security.LoadKeyManager(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return keys, nil
}
