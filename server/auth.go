package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/internal/helpers"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// RegisterRequest holds the fields of a password registration.
type RegisterRequest struct {
	Email    string
	Username string
	Password string
	// Altcha is the base64 proof-of-work payload
	Altcha string
}

// LoginRequest holds the fields of a password login. At most one of
// TOTPCode and RecoveryCode is needed, and only for identities with
// two-factor authentication enabled.
type LoginRequest struct {
	Email        string
	Password     string
	TOTPCode     string
	RecoveryCode string
	Altcha       string
}

// Session is an authenticated identity together with its token pair.
type Session struct {
	Identity *storage.Identity
	Tokens   *TokenPair
}

// Profile is the self-service view of an identity.
type Profile struct {
	ID                string   `json:"id"`
	Email             string   `json:"email"`
	Username          string   `json:"username"`
	Roles             []string `json:"roles"`
	EmailVerified     bool     `json:"email_verified"`
	TwoFactorEnabled  bool     `json:"two_factor_enabled"`
	FederatedProvider string   `json:"federated_provider,omitempty"`
}

// TwoFactorPendingTTL bounds how long a login that passed the password check
// may present its second factor without a new proof-of-work.
const TwoFactorPendingTTL = 5 * time.Minute

// accountToken is the payload of email verification and password reset tokens.
type accountToken struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
}

// errInvalidCredentials is returned for unknown emails and wrong passwords alike.
func errInvalidCredentials() *Error {
	return ErrUnauthorized("Invalid email or password", nil)
}

// Register creates a password identity and logs it in. A verification mail is
// sent in the background.
func (s *Server) Register(ctx context.Context, req RegisterRequest, origin string) (*Session, error) {
	ctx, span := s.startSpan(ctx, "register")
	defer span.End()

	session, err := s.register(ctx, req, origin)
	finishSpan(span, err)
	if session != nil {
		instrumentation.AddFlowAttributes(span, "", session.Identity.ID, "")
	}
	return session, err
}

func (s *Server) register(ctx context.Context, req RegisterRequest, origin string) (*Session, error) {
	email := normalizeEmail(req.Email)

	fail := func(reason string, err error) (*Session, error) {
		s.Auditor.LogAuthFailure(ctx, security.EventRegisterFailure, email, origin, reason)
		return nil, err
	}

	if err := s.requireAltcha(ctx, req.Altcha, origin); err != nil {
		return fail("altcha", err)
	}
	if err := validateEmail(email); err != nil {
		return fail("invalid_email", ErrInvalidRequest(err.Error()))
	}
	if err := validateUsername(req.Username); err != nil {
		return fail("invalid_username", ErrInvalidRequest(err.Error()))
	}
	if err := security.ValidatePassword(req.Password); err != nil {
		return fail("weak_password", ErrInvalidRequest(err.Error()))
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, ErrInternal(err)
	}

	now := s.now()
	identity := &storage.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: hash,
		Roles:        append([]string(nil), s.Config.DefaultRoles...),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrEmailExists) {
			return fail("email_exists", ErrConflict("An account with this email already exists", err))
		}
		return nil, ErrInternal(err)
	}

	s.sendVerificationEmail(ctx, identity)

	tokens, err := s.issueSession(ctx, identity, GrantTypePassword)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, security.Event{
		Type:       security.EventRegisterSuccess,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	s.Logger.Info("Registered identity", "identity_id", identity.ID)
	return &Session{Identity: identity, Tokens: tokens}, nil
}

// Login authenticates with email and password, and the second factor when
// enabled. A missing second factor yields KindTwoFactorRequired and is not
// counted as a failed attempt.
func (s *Server) Login(ctx context.Context, req LoginRequest, origin string) (*Session, error) {
	ctx, span := s.startSpan(ctx, "login")
	defer span.End()

	session, err := s.login(ctx, req, origin)
	finishSpan(span, err)

	if m := s.metrics(); m != nil {
		result := "success"
		switch {
		case err == nil:
		case KindOf(err) == KindTwoFactorRequired:
			result = "two_factor_required"
		case KindOf(err) == KindRateLimited:
			result = "rate_limited"
		default:
			result = "failure"
		}
		m.RecordLoginAttempt(ctx, result)
	}
	return session, err
}

func (s *Server) login(ctx context.Context, req LoginRequest, origin string) (*Session, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidRequest("email and password are required")
	}

	if err := s.checkAttempts(ctx, origin, email); err != nil {
		return nil, err
	}

	fail := func(identityID, reason string, err error) (*Session, error) {
		if s.AttemptLimiter != nil {
			s.AttemptLimiter.RecordFailure(origin, email)
		}
		s.audit(ctx, security.Event{
			Type:       security.EventLoginFailure,
			IdentityID: identityID,
			Email:      email,
			IPAddress:  origin,
			Details:    reason,
		})
		return nil, err
	}

	if err := s.requireLoginAltcha(ctx, req, email, origin); err != nil {
		return nil, err
	}

	identity, err := s.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return fail("", "unknown_email", errInvalidCredentials())
		}
		return nil, ErrInternal(err)
	}
	span := trace.SpanFromContext(ctx)
	instrumentation.AddFlowAttributes(span, "", identity.ID, "")
	instrumentation.AddTwoFactorAttribute(span, identity.TwoFactorEnabled)

	if !identity.HasPassword() {
		return fail(identity.ID, "no_password", errInvalidCredentials())
	}

	ok, err := s.hasher.Verify(identity.PasswordHash, req.Password)
	if err != nil {
		return nil, ErrInternal(err)
	}
	if !ok {
		return fail(identity.ID, "invalid_password", errInvalidCredentials())
	}
	if !identity.Active {
		return fail(identity.ID, "account_disabled", ErrForbidden("Account is disabled"))
	}

	if identity.TwoFactorEnabled {
		if err := s.verifySecondFactor(ctx, identity, req.TOTPCode, req.RecoveryCode, origin); err != nil {
			if KindOf(err) == KindTwoFactorRequired {
				s.markTwoFactorPending(ctx, identity, email, origin)
				return nil, err
			}
			if KindOf(err) == KindInternal {
				return nil, err
			}
			return fail(identity.ID, "invalid_second_factor", err)
		}
	}

	if s.AttemptLimiter != nil {
		s.AttemptLimiter.Reset(email)
	}

	tokens, err := s.issueSession(ctx, identity, GrantTypePassword)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, security.Event{
		Type:       security.EventLoginSuccess,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	return &Session{Identity: identity, Tokens: tokens}, nil
}

// VerifyAltcha checks a proof-of-work payload. It fails when no verifier is configured.
func (s *Server) VerifyAltcha(ctx context.Context, payload, origin string) error {
	if s.Altcha == nil {
		return ErrInvalidRequest("Proof-of-work verification is not configured")
	}
	if payload == "" {
		return ErrInvalidRequest("altcha payload is required")
	}

	if err := s.Altcha.Verify(ctx, payload); err != nil {
		s.Logger.Debug("ALTCHA verification failed", "ip", origin, "error", err)
		if m := s.metrics(); m != nil {
			m.RecordAltchaVerification(ctx, "failure")
		}
		s.Auditor.LogAuthFailure(ctx, security.EventAltchaFailure, "", origin, err.Error())
		return ErrInvalidRequest("Proof-of-work verification failed")
	}

	if m := s.metrics(); m != nil {
		m.RecordAltchaVerification(ctx, "success")
	}
	return nil
}

// requireAltcha enforces proof-of-work when configured to.
func (s *Server) requireAltcha(ctx context.Context, payload, origin string) error {
	if !s.Config.RequireAltcha || s.Altcha == nil {
		return nil
	}
	return s.VerifyAltcha(ctx, payload, origin)
}

// requireLoginAltcha enforces proof-of-work on login. A request carrying a
// second factor is exempt only when a password check from the same origin left
// a pending second-factor record, which the retry consumes.
func (s *Server) requireLoginAltcha(ctx context.Context, req LoginRequest, email, origin string) error {
	if !s.Config.RequireAltcha || s.Altcha == nil {
		return nil
	}
	if (req.TOTPCode != "" || req.RecoveryCode != "") && s.consumeTwoFactorPending(ctx, email, origin) {
		return nil
	}
	return s.VerifyAltcha(ctx, req.Altcha, origin)
}

func twoFactorPendingKey(email, origin string) string {
	return storage.HashToken(email + "\x00" + origin)
}

// markTwoFactorPending records that identity passed the password check from
// origin and now owes a second factor.
func (s *Server) markTwoFactorPending(ctx context.Context, identity *storage.Identity, email, origin string) {
	if !s.Config.RequireAltcha || s.Altcha == nil {
		return
	}
	key := twoFactorPendingKey(email, origin)
	challenge, err := storage.NewChallenge(storage.ChallengeTwoFactorPending, key,
		accountToken{IdentityID: identity.ID, Email: identity.Email}, s.now(), TwoFactorPendingTTL)
	if err != nil {
		s.Logger.Warn("Failed to build pending second-factor record", "identity_id", identity.ID, "error", err)
		return
	}
	// A consumed record from an earlier retry may still be retained.
	_ = s.challenges.DeleteChallenge(ctx, storage.ChallengeTwoFactorPending, key)
	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		s.Logger.Warn("Failed to store pending second-factor record", "identity_id", identity.ID, "error", err)
	}
}

func (s *Server) consumeTwoFactorPending(ctx context.Context, email, origin string) bool {
	_, err := s.challenges.ConsumeChallenge(ctx, storage.ChallengeTwoFactorPending, twoFactorPendingKey(email, origin))
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrChallengeNotFound) && !errors.Is(err, storage.ErrChallengeUsed) &&
		!errors.Is(err, storage.ErrChallengeExpired) {
		s.Logger.Warn("Failed to consume pending second-factor record", "error", err)
	}
	return false
}

// checkAttempts rejects the request when the origin or the subject has too
// many recent failures.
func (s *Server) checkAttempts(ctx context.Context, origin, email string) error {
	if s.AttemptLimiter == nil {
		return nil
	}
	if limited, limitType := s.AttemptLimiter.Check(origin, email); limited {
		s.Auditor.LogRateLimitExceeded(ctx, origin, email, limitType)
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, limitType)
		}
		return ErrRateLimited()
	}
	return nil
}

// issueAccountToken stores a single-use token of kind for identity.
func (s *Server) issueAccountToken(ctx context.Context, kind storage.ChallengeKind, identity *storage.Identity, ttl int64) (string, error) {
	token := generateRandomToken()
	challenge, err := storage.NewChallenge(kind, storage.HashToken(token),
		accountToken{IdentityID: identity.ID, Email: identity.Email}, s.now(), seconds(ttl))
	if err != nil {
		return "", err
	}
	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		return "", err
	}
	return token, nil
}

// consumeAccountToken redeems a token of kind and returns the identity it was issued for.
func (s *Server) consumeAccountToken(ctx context.Context, kind storage.ChallengeKind, token string) (*storage.Identity, error) {
	if token == "" {
		return nil, ErrInvalidRequest("token is required")
	}
	challenge, err := s.challenges.ConsumeChallenge(ctx, kind, storage.HashToken(token))
	if err != nil {
		if KindOf(err) == KindInvalidGrant {
			return nil, ErrInvalidRequest("Token is invalid or has expired")
		}
		return nil, ErrInternal(err)
	}

	var payload accountToken
	if err := challenge.DecodePayload(&payload); err != nil {
		return nil, ErrInternal(err)
	}
	identity, err := s.identities.GetIdentity(ctx, payload.IdentityID)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return nil, ErrInvalidRequest("Token is invalid or has expired")
		}
		return nil, ErrInternal(err)
	}
	// The address changed since the token was issued.
	if identity.Email != payload.Email {
		return nil, ErrInvalidRequest("Token is invalid or has expired")
	}
	return identity, nil
}

func (s *Server) frontendLink(path, token string) string {
	return helpers.NormalizeURL(s.Config.FrontendURL) + path + "?" + url.Values{"token": {token}}.Encode()
}

func (s *Server) sendVerificationEmail(ctx context.Context, identity *storage.Identity) {
	token, err := s.issueAccountToken(ctx, storage.ChallengeEmailVerification, identity, s.Config.EmailVerificationTTL)
	if err != nil {
		s.Logger.Error("Failed to issue verification token", "identity_id", identity.ID, "error", err)
		return
	}
	link := s.frontendLink("/verify-email", token)
	to := identity.Email
	s.sendMail(ctx, "verification", func(ctx context.Context) error {
		return s.Mailer.SendVerificationEmail(ctx, to, link)
	})
}

// ResendVerificationEmail issues a new verification link for an unverified identity.
func (s *Server) ResendVerificationEmail(ctx context.Context, identityID string) error {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.EmailVerified {
		return ErrInvalidRequest("Email is already verified")
	}
	s.sendVerificationEmail(ctx, identity)
	return nil
}

// VerifyEmail marks the address of the identity the token was issued for as verified.
func (s *Server) VerifyEmail(ctx context.Context, token, origin string) error {
	identity, err := s.consumeAccountToken(ctx, storage.ChallengeEmailVerification, token)
	if err != nil {
		return err
	}
	if identity.EmailVerified {
		return nil
	}

	identity.EmailVerified = true
	identity.UpdatedAt = s.now()
	if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
		return ErrInternal(err)
	}

	s.audit(ctx, security.Event{
		Type:       security.EventEmailVerified,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	return nil
}

// RequestPasswordReset mails a reset link. It reports success for unknown
// addresses so that it cannot be used to probe for accounts.
func (s *Server) RequestPasswordReset(ctx context.Context, email, origin string) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return ErrInvalidRequest(err.Error())
	}

	identity, err := s.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			s.Logger.Debug("Password reset requested for unknown email", "ip", origin)
			return nil
		}
		return ErrInternal(err)
	}
	if !identity.Active {
		return nil
	}

	token, err := s.issueAccountToken(ctx, storage.ChallengePasswordReset, identity, s.Config.PasswordResetTTL)
	if err != nil {
		return ErrInternal(err)
	}
	link := s.frontendLink("/reset-password", token)
	to := identity.Email
	s.sendMail(ctx, "password_reset", func(ctx context.Context) error {
		return s.Mailer.SendPasswordResetEmail(ctx, to, link)
	})
	return nil
}

// ResetPassword sets a new password with a reset token and revokes every
// refresh token of the identity.
func (s *Server) ResetPassword(ctx context.Context, token, newPassword, origin string) error {
	if err := security.ValidatePassword(newPassword); err != nil {
		return ErrInvalidRequest(err.Error())
	}
	identity, err := s.consumeAccountToken(ctx, storage.ChallengePasswordReset, token)
	if err != nil {
		return err
	}
	if !identity.Active {
		return ErrForbidden("Account is disabled")
	}

	if err := s.setPassword(ctx, identity, newPassword); err != nil {
		return err
	}
	if _, err := s.refreshTokens.RevokeIdentityRefreshTokens(ctx, identity.ID, s.now()); err != nil {
		return ErrInternal(err)
	}
	if s.AttemptLimiter != nil {
		s.AttemptLimiter.Reset(identity.Email)
	}

	s.audit(ctx, security.Event{
		Type:       security.EventPasswordReset,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	return nil
}

// ChangePassword replaces the password after verifying the current one.
// Identities created through federation have no password and may set one
// without it.
func (s *Server) ChangePassword(ctx context.Context, identityID, currentPassword, newPassword, origin string) error {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.HasPassword() {
		if err := s.reverifyPassword(ctx, identity, currentPassword, origin); err != nil {
			return err
		}
	}
	if err := security.ValidatePassword(newPassword); err != nil {
		return ErrInvalidRequest(err.Error())
	}
	if err := s.setPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	s.audit(ctx, security.Event{
		Type:       security.EventPasswordChange,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	return nil
}

func (s *Server) setPassword(ctx context.Context, identity *storage.Identity, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return ErrInternal(err)
	}
	identity.PasswordHash = hash
	identity.UpdatedAt = s.now()
	if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
		return ErrInternal(err)
	}
	return nil
}

// Me returns the profile of identityID.
func (s *Server) Me(ctx context.Context, identityID string) (*Profile, error) {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	roles := identity.Roles
	if roles == nil {
		roles = []string{}
	}
	return &Profile{
		ID:                identity.ID,
		Email:             identity.Email,
		Username:          identity.Username,
		Roles:             roles,
		EmailVerified:     identity.EmailVerified,
		TwoFactorEnabled:  identity.TwoFactorEnabled,
		FederatedProvider: identity.FederatedProvider,
	}, nil
}

// SetIdentityRoles replaces the roles of an identity. Tokens already issued
// keep their roles until they expire.
func (s *Server) SetIdentityRoles(ctx context.Context, identityID string, roles []string) error {
	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return ErrInvalidRequest("unknown identity")
		}
		return ErrInternal(err)
	}
	identity.Roles = append([]string(nil), roles...)
	identity.UpdatedAt = s.now()
	if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
		return ErrInternal(err)
	}
	s.Logger.Info("Updated identity roles", "identity_id", identity.ID, "roles", roles)
	return nil
}
