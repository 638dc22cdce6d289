package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/machinaear/iam/storage"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", ErrForbidden("no"), KindForbidden},
		{"wrapped typed", fmt.Errorf("ctx: %w", ErrConflict("dup", nil)), KindConflict},
		{"email exists", storage.ErrEmailExists, KindConflict},
		{"unknown client", storage.ErrClientNotFound, KindInvalidClient},
		{"used challenge", fmt.Errorf("x: %w", storage.ErrChallengeUsed), KindInvalidGrant},
		{"expired challenge", storage.ErrChallengeExpired, KindInvalidGrant},
		{"revoked refresh token", storage.ErrRefreshTokenRevoked, KindInvalidGrant},
		{"anything else", errors.New("disk on fire"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindInvalidRedirect, http.StatusBadRequest},
		{KindInvalidScope, http.StatusBadRequest},
		{KindInvalidGrant, http.StatusUnauthorized},
		{KindTwoFactorRequired, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	internal := AsError(errors.New("connection refused: password=hunter2"))
	if internal.Kind != KindInternal || internal.Code != ErrorCodeServerError {
		t.Errorf("internal = %+v", internal)
	}
	if internal.Description != "An internal error occurred" {
		t.Errorf("internal description leaks details: %q", internal.Description)
	}

	grant := AsError(storage.ErrChallengeUsed)
	if grant.Code != ErrorCodeInvalidGrant || grant.Status() != http.StatusUnauthorized {
		t.Errorf("grant = %+v", grant)
	}

	cause := errors.New("root cause")
	wrapped := ErrUnauthorized("nope", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("Unwrap does not expose the cause")
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{ErrInvalidRequest("x"), ErrorCodeInvalidRequest},
		{ErrUnsupportedResponseType(), ErrorCodeUnsupportedResponse},
		{ErrInvalidRedirect("x"), ErrorCodeInvalidRequest},
		{ErrInvalidScope("x"), ErrorCodeInvalidScope},
		{ErrInvalidGrant(nil), ErrorCodeInvalidGrant},
		{ErrUnauthorized("x", nil), ErrorCodeInvalidToken},
		{ErrTwoFactorRequired(), ErrorCodeTwoFactorRequired},
		{ErrForbidden("x"), ErrorCodeAccessDenied},
		{ErrRateLimited(), ErrorCodeRateLimitExceeded},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.want {
			t.Errorf("%v: code = %q, want %q", tt.err, tt.err.Code, tt.want)
		}
	}
}
