package security

// Audit event types. Values are persisted, so they must never change.
const (
	// Authentication

	EventLoginSuccess    = "LOGIN_SUCCESS"
	EventLoginFailure    = "LOGIN_FAILURE"
	EventRegisterSuccess = "REGISTER_SUCCESS"
	EventRegisterFailure = "REGISTER_FAILURE"
	EventLogout          = "LOGOUT"

	// Token lifecycle

	EventTokenRefreshSuccess  = "TOKEN_REFRESH_SUCCESS"  //nolint:gosec // event name, not a credential
	EventTokenRefreshFailure  = "TOKEN_REFRESH_FAILURE"  //nolint:gosec // event name, not a credential
	EventTokenExchangeSuccess = "TOKEN_EXCHANGE_SUCCESS" //nolint:gosec // event name, not a credential
	EventTokenExchangeFailure = "TOKEN_EXCHANGE_FAILURE" //nolint:gosec // event name, not a credential

	// EventTokenReuseDetected is a rotated or revoked refresh token presented again.
	// All refresh tokens of the identity are revoked when it is recorded.
	EventTokenReuseDetected = "TOKEN_REUSE_DETECTED" //nolint:gosec // event name, not a credential

	// EventAuthorizationCodeReuse is a consumed authorization code presented again
	EventAuthorizationCodeReuse = "AUTHORIZATION_CODE_REUSE"

	// Two-factor authentication

	EventTwoFASetup               = "TWO_FA_SETUP"
	EventTwoFAEnabled             = "TWO_FA_ENABLED"
	EventTwoFADisabled            = "TWO_FA_DISABLED"
	EventTwoFAFailure             = "TWO_FA_FAILURE"
	EventRecoveryCodesRegenerated = "RECOVERY_CODES_REGENERATED"

	// Account

	EventPasswordChange = "PASSWORD_CHANGE"
	EventPasswordReset  = "PASSWORD_RESET"
	EventEmailVerified  = "EMAIL_VERIFIED"

	// Security violations

	EventRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	EventInvalidOAuthClient    = "INVALID_OAUTH_CLIENT"
	EventInvalidRedirectURI    = "INVALID_REDIRECT_URI"
	EventPKCEValidationFailure = "PKCE_VALIDATION_FAILURE"
	EventAltchaFailure         = "ALTCHA_FAILURE"

	// Federation

	EventFederationLogin   = "FEDERATION_LOGIN"
	EventFederationFailure = "FEDERATION_FAILURE"
)
