package server

import (
	"log/slog"
	"net/url"
	"time"
)

// Default lifetimes in seconds, and identity defaults.
const (
	DefaultAuthorizationCodeTTL    = 600
	DefaultAccessTokenTTL          = 1800
	DefaultRefreshTokenTTL         = 7 * 24 * 3600
	DefaultFederationStateTTL      = 15 * 60
	DefaultPendingAuthorizationTTL = 15 * 60
	DefaultEmailVerificationTTL    = 24 * 3600
	DefaultPasswordResetTTL        = 3600
	DefaultConsentTTL              = 90 * 24 * 3600

	DefaultIssuer      = "http://localhost:8080"
	DefaultFrontendURL = "http://localhost:3000"
	DefaultRole        = "USER"
	AdminRole          = "ADMIN"
	DefaultTOTPIssuer  = "MachinaEar"
)

// Config holds authorization server configuration. Zero values are replaced
// by applySecureDefaults.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string // default: http://localhost:8080

	// FrontendURL is where unauthenticated authorization requests are sent to log in,
	// and the base of the links in verification and password reset mails
	FrontendURL string // default: http://localhost:3000

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 1800 (30 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 604800 (7 days)

	// FederationStateTTL bounds the round trip to an external identity provider
	FederationStateTTL int64 // seconds, default: 900 (15 minutes)

	// PendingAuthorizationTTL bounds how long an authorization request waits for login
	PendingAuthorizationTTL int64 // seconds, default: 900 (15 minutes)

	// EmailVerificationTTL is how long an email verification link is valid
	EmailVerificationTTL int64 // seconds, default: 86400 (24 hours)

	// PasswordResetTTL is how long a password reset link is valid
	PasswordResetTTL int64 // seconds, default: 3600 (1 hour)

	// ConsentTTL is how long a granted consent covers later requests
	ConsentTTL int64 // seconds, default: 7776000 (90 days)

	// RecoveryCodeCount is the number of two-factor recovery codes issued
	RecoveryCodeCount int // default: 10

	// DefaultRoles are assigned to new identities
	DefaultRoles []string // default: ["USER"]

	// TOTPIssuer is shown in authenticator apps
	TOTPIssuer string // default: MachinaEar

	// FirstPartyClients are auto-approved: consent is recorded without a prompt
	FirstPartyClients []string

	// RequireAltcha makes register and password login require a solved
	// proof-of-work challenge. Ignored when no AltchaManager is configured.
	RequireAltcha bool

	// AllowInsecureHTTP allows a plain http issuer on a non-loopback host
	// WARNING: tokens and passwords travel in clear text
	AllowInsecureHTTP bool // default: false
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// applySecureDefaults fills zero values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if config.Issuer == "" {
		config.Issuer = DefaultIssuer
	}
	if config.FrontendURL == "" {
		config.FrontendURL = DefaultFrontendURL
	}
	if config.RecoveryCodeCount <= 0 {
		config.RecoveryCodeCount = 10
	}
	if len(config.DefaultRoles) == 0 {
		config.DefaultRoles = []string{DefaultRole}
	}
	if config.TOTPIssuer == "" {
		config.TOTPIssuer = DefaultTOTPIssuer
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.FederationStateTTL <= 0 {
		config.FederationStateTTL = DefaultFederationStateTTL
	}
	if config.PendingAuthorizationTTL <= 0 {
		config.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if config.EmailVerificationTTL <= 0 {
		config.EmailVerificationTTL = DefaultEmailVerificationTTL
	}
	if config.PasswordResetTTL <= 0 {
		config.PasswordResetTTL = DefaultPasswordResetTTL
	}
	if config.ConsentTTL <= 0 {
		config.ConsentTTL = DefaultConsentTTL
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AccessTokenTTL > 3600 {
		logger.Warn("SECURITY WARNING: long-lived access tokens",
			"access_token_ttl_seconds", config.AccessTokenTTL,
			"risk", "Stolen access tokens stay valid and cannot be revoked",
			"recommendation", "Keep AccessTokenTTL at one hour or less")
	}
	if config.AuthorizationCodeTTL > DefaultAuthorizationCodeTTL {
		logger.Warn("SECURITY WARNING: authorization codes outlive 10 minutes",
			"authorization_code_ttl_seconds", config.AuthorizationCodeTTL,
			"risk", "Wider window for intercepted code redemption",
			"recommendation", "RFC 6749 Section 4.1.2 recommends at most 10 minutes")
	}
	if !config.RequireAltcha {
		logger.Warn("SECURITY NOTICE: proof-of-work is not required on register and login",
			"risk", "Automated credential stuffing is bounded only by rate limits",
			"recommendation", "Set RequireAltcha=true")
	}
	if config.AllowInsecureHTTP {
		if u, err := url.Parse(config.Issuer); err == nil && u.Scheme == "http" {
			logger.Warn("SECURITY WARNING: insecure HTTP issuer explicitly allowed",
				"issuer", config.Issuer,
				"risk", "Credentials exposed to network interception")
		}
	}
}
