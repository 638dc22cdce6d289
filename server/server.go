package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/providers"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// Stores groups the persistence collaborators of a Server. A single
// memory.Store or sqlstore.Store satisfies all of them; Challenges may be a
// separate shared store (valkey) in scaled deployments.
type Stores struct {
	Identities    storage.IdentityStore
	Clients       storage.ClientStore
	Scopes        storage.ScopeStore
	Consents      storage.ConsentStore
	RefreshTokens storage.RefreshTokenStore
	Challenges    storage.ChallengeStore
}

func (s Stores) validate() error {
	switch {
	case s.Identities == nil:
		return fmt.Errorf("identity store is required")
	case s.Clients == nil:
		return fmt.Errorf("client store is required")
	case s.Scopes == nil:
		return fmt.Errorf("scope store is required")
	case s.Consents == nil:
		return fmt.Errorf("consent store is required")
	case s.RefreshTokens == nil:
		return fmt.Errorf("refresh token store is required")
	case s.Challenges == nil:
		return fmt.Errorf("challenge store is required")
	}
	return nil
}

// Server implements the authorization server logic: the PKCE authorization
// step, the token service, two-factor management, federation and the
// account operations built on them.
type Server struct {
	identities    storage.IdentityStore
	clients       storage.ClientStore
	scopes        storage.ScopeStore
	consents      storage.ConsentStore
	refreshTokens storage.RefreshTokenStore
	challenges    storage.ChallengeStore

	keys   *security.KeyManager
	hasher *security.PasswordHasher
	totp   *security.TOTPManager

	provider providers.Provider

	Encryptor      *security.Encryptor
	Auditor        *security.Auditor
	AttemptLimiter *security.AttemptLimiter
	Altcha         *security.AltchaManager
	Mailer         Mailer
	Logger         *slog.Logger
	Config         *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// New creates a new authorization server. hasher may be nil for the default
// Argon2id parameters.
func New(stores Stores, keys *security.KeyManager, hasher *security.PasswordHasher, config *Config, logger *slog.Logger) (*Server, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hasher == nil {
		hasher = security.NewPasswordHasher(security.DefaultArgon2Params())
	}

	config = applySecureDefaults(config, logger)

	enc, err := security.NewEncryptor(nil)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		identities:    stores.Identities,
		clients:       stores.Clients,
		scopes:        stores.Scopes,
		consents:      stores.Consents,
		refreshTokens: stores.RefreshTokens,
		challenges:    stores.Challenges,
		keys:          keys,
		hasher:        hasher,
		totp:          security.NewTOTPManager(config.TOTPIssuer, hasher),
		Encryptor:     enc,
		Auditor:       security.NewAuditor(logger, nil),
		Mailer:        NewLogMailer(logger),
		Logger:        logger,
		Config:        config,
		tracer:        noop.NewTracerProvider().Tracer("server"),
		now:           time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetEncryptor sets the encryptor used for TOTP secrets at rest
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	if enc != nil {
		s.Encryptor = enc
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	if aud != nil {
		s.Auditor = aud
	}
}

// SetAttemptLimiter sets the failed-attempt limiter consulted by Login
func (s *Server) SetAttemptLimiter(al *security.AttemptLimiter) {
	s.AttemptLimiter = al
}

// SetAltchaManager sets the proof-of-work verifier for register and login
func (s *Server) SetAltchaManager(m *security.AltchaManager) {
	s.Altcha = m
}

// SetProvider enables federation with an external identity provider
func (s *Server) SetProvider(p providers.Provider) {
	s.provider = p
}

// SetMailer sets the outbound mail collaborator
func (s *Server) SetMailer(m Mailer) {
	if m != nil {
		s.Mailer = m
	}
}

// SetInstrumentation enables spans and metrics for server operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock overrides the time source of the server and the components it owns.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.keys.SetClock(now)
	s.totp.SetClock(now)
}

// Keys returns the signing key manager
func (s *Server) Keys() *security.KeyManager {
	return s.keys
}

// Provider returns the federation provider, or nil when federation is disabled
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// metrics returns the metric set, or nil when instrumentation is disabled
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "iam.server."+operation)
}

// finishSpan records the outcome of an operation on its span
func finishSpan(span trace.Span, err error) {
	if err != nil && KindOf(err) == KindInternal {
		instrumentation.RecordError(span, err)
		return
	}
	if err != nil {
		instrumentation.SetSpanError(span, KindOf(err).String())
		return
	}
	instrumentation.SetSpanSuccess(span)
}

func (s *Server) audit(ctx context.Context, event security.Event) {
	s.Auditor.LogEvent(ctx, event)
}

// generateRandomToken returns a URL-safe random token (32 bytes of entropy).
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
