package server

import (
	"context"
	"errors"

	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
)

// Second factor methods, as recorded in metrics.
const (
	secondFactorTOTP     = "totp"
	secondFactorRecovery = "recovery_code"
)

// SetupTwoFactor starts enrollment for identityID. The secret and recovery
// codes are returned in plaintext exactly once; nothing is stored until
// EnableTwoFactor confirms a code generated from the secret.
func (s *Server) SetupTwoFactor(ctx context.Context, identityID string) (*security.TOTPEnrollment, error) {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.TwoFactorEnabled {
		return nil, ErrConflict("Two-factor authentication is already enabled", nil)
	}

	enrollment, err := s.totp.NewEnrollment(identity.Email)
	if err != nil {
		return nil, ErrInternal(err)
	}
	if len(enrollment.RecoveryCodes) != s.Config.RecoveryCodeCount {
		codes, err := security.GenerateRecoveryCodes(s.Config.RecoveryCodeCount)
		if err != nil {
			return nil, ErrInternal(err)
		}
		enrollment.RecoveryCodes = codes
	}

	s.audit(ctx, security.Event{
		Type:       security.EventTwoFASetup,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Success:    true,
	})
	return enrollment, nil
}

// EnableTwoFactor verifies code against secret and, on success, stores the
// secret together with the hashed recovery codes.
func (s *Server) EnableTwoFactor(ctx context.Context, identityID, secret, code string, recoveryCodes []string) error {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.TwoFactorEnabled {
		return ErrConflict("Two-factor authentication is already enabled", nil)
	}
	if secret == "" || code == "" {
		return ErrInvalidRequest("secret and code are required")
	}
	if len(recoveryCodes) == 0 {
		return ErrInvalidRequest("recovery codes are required")
	}
	for _, rc := range recoveryCodes {
		if len(security.NormalizeRecoveryCode(rc)) != security.RecoveryCodeLength {
			return ErrInvalidRequest("recovery codes are malformed")
		}
	}

	if !s.totp.ValidateCode(secret, code) {
		s.recordTwoFactorFailure(ctx, identity, "", secondFactorTOTP, "enable: invalid code")
		return ErrUnauthorized("Invalid verification code", nil)
	}

	hashes, err := s.totp.HashRecoveryCodes(recoveryCodes)
	if err != nil {
		return ErrInternal(err)
	}
	sealed, err := s.Encryptor.Seal(secret, identity.ID)
	if err != nil {
		return ErrInternal(err)
	}

	identity.TwoFactorEnabled = true
	identity.TwoFactorSecret = sealed
	identity.RecoveryCodeHashes = hashes
	identity.UpdatedAt = s.now()
	if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
		return ErrInternal(err)
	}

	s.audit(ctx, security.Event{
		Type:       security.EventTwoFAEnabled,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Success:    true,
	})
	s.Logger.Info("Two-factor authentication enabled", "identity_id", identity.ID)
	return nil
}

// DisableTwoFactor clears the secret and recovery codes after the password is re-verified.
func (s *Server) DisableTwoFactor(ctx context.Context, identityID, password, origin string) error {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if !identity.TwoFactorEnabled {
		return ErrInvalidRequest("Two-factor authentication is not enabled")
	}
	if err := s.reverifyPassword(ctx, identity, password, origin); err != nil {
		return err
	}

	identity.TwoFactorEnabled = false
	identity.TwoFactorSecret = ""
	identity.RecoveryCodeHashes = nil
	identity.UpdatedAt = s.now()
	if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
		return ErrInternal(err)
	}

	s.audit(ctx, security.Event{
		Type:       security.EventTwoFADisabled,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	s.Logger.Info("Two-factor authentication disabled", "identity_id", identity.ID)
	return nil
}

// RegenerateRecoveryCodes replaces every recovery code. The new codes are
// returned in plaintext once.
func (s *Server) RegenerateRecoveryCodes(ctx context.Context, identityID, password, origin string) ([]string, error) {
	identity, err := s.loadActiveIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !identity.TwoFactorEnabled {
		return nil, ErrInvalidRequest("Two-factor authentication is not enabled")
	}
	if err := s.reverifyPassword(ctx, identity, password, origin); err != nil {
		return nil, err
	}

	codes, err := security.GenerateRecoveryCodes(s.Config.RecoveryCodeCount)
	if err != nil {
		return nil, ErrInternal(err)
	}
	hashes, err := s.totp.HashRecoveryCodes(codes)
	if err != nil {
		return nil, ErrInternal(err)
	}

	identity.RecoveryCodeHashes = hashes
	identity.UpdatedAt = s.now()
	if err := s.identities.UpdateIdentity(ctx, identity); err != nil {
		return nil, ErrInternal(err)
	}

	s.audit(ctx, security.Event{
		Type:       security.EventRecoveryCodesRegenerated,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Success:    true,
	})
	return codes, nil
}

// verifySecondFactor accepts a live TOTP code or an unused recovery code. A
// recovery code is removed from the identity before it is accepted, so it can
// succeed at most once.
func (s *Server) verifySecondFactor(ctx context.Context, identity *storage.Identity, totpCode, recoveryCode, origin string) error {
	switch {
	case totpCode != "":
		secret, err := s.Encryptor.Open(identity.TwoFactorSecret, identity.ID)
		if err != nil {
			return ErrInternal(err)
		}
		if !s.totp.ValidateCode(secret, totpCode) {
			s.recordTwoFactorFailure(ctx, identity, origin, secondFactorTOTP, "invalid totp code")
			return ErrUnauthorized("Invalid two-factor code", nil)
		}
		s.recordTwoFactorSuccess(ctx, secondFactorTOTP)
		return nil

	case recoveryCode != "":
		idx := s.totp.MatchRecoveryCode(identity.RecoveryCodeHashes, recoveryCode)
		if idx < 0 {
			s.recordTwoFactorFailure(ctx, identity, origin, secondFactorRecovery, "invalid recovery code")
			return ErrUnauthorized("Invalid recovery code", nil)
		}
		err := s.identities.ConsumeRecoveryCode(ctx, identity.ID, identity.RecoveryCodeHashes[idx])
		if err != nil {
			if errors.Is(err, storage.ErrRecoveryCodeNotFound) {
				s.recordTwoFactorFailure(ctx, identity, origin, secondFactorRecovery, "recovery code already used")
				return ErrUnauthorized("Invalid recovery code", nil)
			}
			return ErrInternal(err)
		}
		s.Logger.Info("Recovery code used",
			"identity_id", identity.ID,
			"remaining", len(identity.RecoveryCodeHashes)-1)
		s.recordTwoFactorSuccess(ctx, secondFactorRecovery)
		return nil

	default:
		return ErrTwoFactorRequired()
	}
}

func (s *Server) recordTwoFactorSuccess(ctx context.Context, method string) {
	if m := s.metrics(); m != nil {
		m.RecordTwoFactorVerification(ctx, method, true)
	}
}

func (s *Server) recordTwoFactorFailure(ctx context.Context, identity *storage.Identity, origin, method, reason string) {
	if m := s.metrics(); m != nil {
		m.RecordTwoFactorVerification(ctx, method, false)
	}
	s.audit(ctx, security.Event{
		Type:       security.EventTwoFAFailure,
		IdentityID: identity.ID,
		Email:      identity.Email,
		IPAddress:  origin,
		Details:    reason,
	})
}

// reverifyPassword confirms a sensitive change with the current password.
func (s *Server) reverifyPassword(ctx context.Context, identity *storage.Identity, password, origin string) error {
	if !identity.HasPassword() {
		return ErrForbidden("This account has no password; set one first")
	}
	if password == "" {
		return ErrInvalidRequest("password is required")
	}
	if err := s.checkAttempts(ctx, origin, identity.Email); err != nil {
		return err
	}
	ok, err := s.hasher.Verify(identity.PasswordHash, password)
	if err != nil {
		return ErrInternal(err)
	}
	if !ok {
		if s.AttemptLimiter != nil {
			s.AttemptLimiter.RecordFailure(origin, identity.Email)
		}
		s.audit(ctx, security.Event{
			Type:       security.EventLoginFailure,
			IdentityID: identity.ID,
			Email:      identity.Email,
			IPAddress:  origin,
			Details:    "password re-verification failed",
		})
		return ErrUnauthorized("Invalid password", nil)
	}
	return nil
}

// loadActiveIdentity fetches an identity that is allowed to act.
func (s *Server) loadActiveIdentity(ctx context.Context, identityID string) (*storage.Identity, error) {
	if identityID == "" {
		return nil, ErrUnauthorized("Authentication required", nil)
	}
	identity, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			return nil, ErrUnauthorized("Authentication required", err)
		}
		return nil, ErrInternal(err)
	}
	if !identity.Active {
		return nil, ErrForbidden("Account is disabled")
	}
	return identity, nil
}
