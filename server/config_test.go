package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestApplySecureDefaults(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	config := applySecureDefaults(&Config{}, logger)

	if config.Issuer != DefaultIssuer || config.FrontendURL != DefaultFrontendURL {
		t.Errorf("urls = %q, %q", config.Issuer, config.FrontendURL)
	}
	if config.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL ||
		config.AccessTokenTTL != DefaultAccessTokenTTL ||
		config.RefreshTokenTTL != DefaultRefreshTokenTTL ||
		config.PendingAuthorizationTTL != DefaultPendingAuthorizationTTL ||
		config.ConsentTTL != DefaultConsentTTL {
		t.Errorf("lifetimes not defaulted: %+v", config)
	}
	if config.RecoveryCodeCount != 10 || config.TOTPIssuer != DefaultTOTPIssuer {
		t.Errorf("two-factor defaults = %d, %q", config.RecoveryCodeCount, config.TOTPIssuer)
	}
	if len(config.DefaultRoles) != 1 || config.DefaultRoles[0] != DefaultRole {
		t.Errorf("DefaultRoles = %v", config.DefaultRoles)
	}
	if !strings.Contains(logs.String(), "proof-of-work is not required") {
		t.Error("missing proof-of-work notice")
	}
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	config := applySecureDefaults(&Config{
		AccessTokenTTL:       7200,
		AuthorizationCodeTTL: 900,
		DefaultRoles:         []string{"DEVICE"},
		RequireAltcha:        true,
	}, logger)

	if config.AccessTokenTTL != 7200 || config.AuthorizationCodeTTL != 900 {
		t.Errorf("explicit lifetimes overwritten: %+v", config)
	}
	if config.DefaultRoles[0] != "DEVICE" {
		t.Errorf("DefaultRoles = %v", config.DefaultRoles)
	}

	out := logs.String()
	for _, want := range []string{"long-lived access tokens", "authorization codes outlive 10 minutes"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing warning %q", want)
		}
	}
	if strings.Contains(out, "proof-of-work") {
		t.Error("unexpected proof-of-work notice")
	}
}
