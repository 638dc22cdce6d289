package iam

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/server"
	"github.com/machinaear/iam/storage/sqlstore"
)

// Config holds the HTTP transport configuration together with the
// authorization server settings it is built from.
// Structured using composition, one struct per concern.
type Config struct {
	// Server configures the authorization server itself (issuer, TTLs, roles)
	Server server.Config

	// ListenAddr is the HTTP listen address
	ListenAddr string // default: :8080

	// CORS configures cross-origin access for the browser frontend
	CORS CORSConfig

	// Cookies configures the token cookies set by the login and token endpoints
	Cookies CookieConfig

	// RateLimit configures the per-IP request throttle
	RateLimit RateLimitConfig

	// Security holds key material
	Security SecurityConfig

	// GoogleAuth holds the federation credentials. Federation is disabled
	// when ClientID is empty.
	GoogleAuth GoogleAuthConfig

	// Storage selects the persistence backends
	Storage StorageConfig

	// Observability configures logging, error reporting and telemetry
	Observability ObservabilityConfig
}

// CORSConfig holds Cross-Origin Resource Sharing settings
type CORSConfig struct {
	// AllowedOrigins lists the origins allowed to call the API.
	// "*" allows any origin and is only meant for development.
	AllowedOrigins []string

	// AllowCredentials lets browsers send the token cookies cross-origin
	AllowCredentials bool // default: true when origins are configured

	// MaxAge is the preflight cache lifetime in seconds
	MaxAge int // default: 3600
}

// CookieConfig holds token cookie settings
type CookieConfig struct {
	// Secure marks the cookies Secure with SameSite=None; otherwise SameSite=Lax
	Secure bool

	// Domain is the optional cookie domain
	Domain string
}

// RateLimitConfig holds request throttle settings
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero uses the default.
	Rate float64 // default: 10

	// Burst is the maximum burst size allowed per IP
	Burst int // default: 20

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies that append to X-Forwarded-For
	TrustedProxyCount int // default: 1
}

// SecurityConfig holds secrets and key locations
type SecurityConfig struct {
	// AltchaHMACSecret signs proof-of-work challenges. When empty a random
	// per-process key is generated and challenges do not survive restarts.
	AltchaHMACSecret string

	// RequireAltcha makes register and login require a solved challenge
	RequireAltcha bool

	// EncryptionKey is the AES-256 key (32 bytes) for TOTP secrets at rest.
	// Nil disables encryption.
	EncryptionKey []byte

	// SigningKeyFile is a PEM RSA private key. When empty an ephemeral key is
	// generated at startup and every token becomes invalid on restart.
	SigningKeyFile string
}

// GoogleAuthConfig holds Google federation credentials
type GoogleAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether federation is configured
func (g GoogleAuthConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// StorageConfig selects persistence backends
type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres"
	Driver string // default: memory

	// DSN is the database connection string for sqlite and postgres
	DSN string

	// ValkeyAddr moves the challenge store to Valkey when set
	ValkeyAddr     string
	ValkeyPassword string
}

// ObservabilityConfig holds logging, error reporting and telemetry settings
type ObservabilityConfig struct {
	// LogFormat is "json" or "text"
	LogFormat string // default: json

	// LogLevel is debug, info, warn or error
	LogLevel string // default: info

	// SentryDSN enables error reporting when set
	SentryDSN string

	// Environment is reported to Sentry
	Environment string // default: development

	// TracesExporter is "none", "stdout" or "otlp"
	TracesExporter string // default: none

	// MetricsExporter is "none" or "prometheus"
	MetricsExporter string // default: none
}

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = sqlstore.DriverSQLite
	DriverPostgres = sqlstore.DriverPostgres
)

const (
	defaultListenAddr  = ":8080"
	defaultCORSMaxAge  = 3600
	defaultLogFormat   = "json"
	defaultLogLevel    = "info"
	defaultEnvironment = "development"
)

// LoadConfig reads the configuration from the environment. Callers that use a
// .env file load it first.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: server.Config{
			Issuer:            os.Getenv("IAM_ISSUER"),
			FrontendURL:       os.Getenv("FRONTEND_URL"),
			FirstPartyClients: splitList(os.Getenv("FIRST_PARTY_CLIENTS")),
			AllowInsecureHTTP: getBoolEnv("ALLOW_INSECURE_HTTP", false),
		},
		ListenAddr: getEnvOrDefault("LISTEN_ADDR", defaultListenAddr),
		CORS: CORSConfig{
			AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		},
		Cookies: CookieConfig{
			Secure: getBoolEnv("COOKIE_SECURE", false),
			Domain: os.Getenv("COOKIE_DOMAIN"),
		},
		RateLimit: RateLimitConfig{
			TrustProxy: getBoolEnv("TRUST_PROXY", false),
		},
		Security: SecurityConfig{
			AltchaHMACSecret: os.Getenv("ALTCHA_HMAC_SECRET"),
			RequireAltcha:    getBoolEnv("REQUIRE_ALTCHA", false),
			SigningKeyFile:   os.Getenv("SIGNING_KEY_FILE"),
		},
		GoogleAuth: GoogleAuthConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URI"),
		},
		Storage: StorageConfig{
			Driver:         strings.ToLower(getEnvOrDefault("DATABASE_DRIVER", DriverMemory)),
			DSN:            os.Getenv("DATABASE_DSN"),
			ValkeyAddr:     os.Getenv("VALKEY_ADDR"),
			ValkeyPassword: os.Getenv("VALKEY_PASSWORD"),
		},
		Observability: ObservabilityConfig{
			LogFormat:       strings.ToLower(getEnvOrDefault("LOG_FORMAT", defaultLogFormat)),
			LogLevel:        strings.ToLower(getEnvOrDefault("LOG_LEVEL", defaultLogLevel)),
			SentryDSN:       os.Getenv("SENTRY_DSN"),
			Environment:     getEnvOrDefault("APP_ENV", defaultEnvironment),
			TracesExporter:  strings.ToLower(getEnvOrDefault("OTEL_TRACES_EXPORTER", instrumentation.ExporterNone)),
			MetricsExporter: strings.ToLower(getEnvOrDefault("METRICS_EXPORTER", instrumentation.ExporterNone)),
		},
	}
	cfg.Server.RequireAltcha = cfg.Security.RequireAltcha

	var err error
	if cfg.RateLimit.Rate, err = getFloatEnv("RATE_LIMIT_RPS", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Burst, err = getIntEnv("RATE_LIMIT_BURST", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimit.TrustedProxyCount, err = getIntEnv("TRUSTED_PROXY_COUNT", 1); err != nil {
		return nil, err
	}

	if raw := os.Getenv("ENCRYPTION_KEY"); raw != "" {
		key, err := security.KeyFromBase64(raw)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		cfg.Security.EncryptionKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations LoadConfig cannot default.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Storage.Driver)
	}

	switch c.Observability.TracesExporter {
	case instrumentation.ExporterNone, instrumentation.ExporterStdout, instrumentation.ExporterOTLP:
	default:
		return fmt.Errorf("unsupported OTEL_TRACES_EXPORTER %q", c.Observability.TracesExporter)
	}
	switch c.Observability.MetricsExporter {
	case instrumentation.ExporterNone, instrumentation.ExporterPrometheus:
	default:
		return fmt.Errorf("unsupported METRICS_EXPORTER %q", c.Observability.MetricsExporter)
	}

	if (c.GoogleAuth.ClientID == "") != (c.GoogleAuth.ClientSecret == "") {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	return nil
}

// applyHTTPDefaults fills zero values of the transport settings.
func (c *Config) applyHTTPDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
	if len(c.CORS.AllowedOrigins) > 0 {
		c.CORS.AllowCredentials = true
	}
	if c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getIntEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloatEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
