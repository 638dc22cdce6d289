package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/machinaear/iam/storage"
)

// Kind classifies a failure for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindInvalidClient
	KindInvalidRedirect
	KindInvalidScope
	KindInvalidGrant
	KindUnauthorized
	KindTwoFactorRequired
	KindForbidden
	KindConflict
	KindRateLimited
)

// OAuth error codes (RFC 6749 Section 5.2 plus the extensions used here).
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeUnsupportedResponse  = "unsupported_response_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeConflict             = "conflict"
	ErrorCodeTwoFactorRequired    = "two_factor_required"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeServerError          = "server_error"
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidRedirect:
		return "invalid_redirect"
	case KindInvalidScope:
		return "invalid_scope"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindUnauthorized:
		return "unauthorized"
	case KindTwoFactorRequired:
		return "two_factor_required"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code a failure of this kind is answered with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindInvalidClient, KindInvalidRedirect, KindInvalidScope:
		return http.StatusBadRequest
	case KindInvalidGrant, KindUnauthorized, KindTwoFactorRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// defaultCode is the OAuth error code used when an Error carries none.
func (k Kind) defaultCode() string {
	switch k {
	case KindInvalidRequest, KindInvalidRedirect:
		return ErrorCodeInvalidRequest
	case KindInvalidClient:
		return ErrorCodeInvalidClient
	case KindInvalidScope:
		return ErrorCodeInvalidScope
	case KindInvalidGrant:
		return ErrorCodeInvalidGrant
	case KindUnauthorized:
		return ErrorCodeInvalidToken
	case KindTwoFactorRequired:
		return ErrorCodeTwoFactorRequired
	case KindForbidden:
		return ErrorCodeAccessDenied
	case KindConflict:
		return ErrorCodeConflict
	case KindRateLimited:
		return ErrorCodeRateLimitExceeded
	default:
		return ErrorCodeServerError
	}
}

// Error is a typed failure returned by every Server operation.
// Description is safe to show to the caller; Err is for logs only.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	return e.Kind.HTTPStatus()
}

func newError(kind Kind, code, description string, err error) *Error {
	if code == "" {
		code = kind.defaultCode()
	}
	return &Error{Kind: kind, Code: code, Description: description, Err: err}
}

// ErrInvalidRequest reports malformed or missing parameters.
func ErrInvalidRequest(description string) *Error {
	return newError(KindInvalidRequest, "", description, nil)
}

// ErrUnsupportedResponseType reports a response_type other than "code".
func ErrUnsupportedResponseType() *Error {
	return newError(KindInvalidRequest, ErrorCodeUnsupportedResponse, "Only response_type=code is supported", nil)
}

// ErrInvalidClient reports an unknown, inactive or unauthenticated client.
func ErrInvalidClient(description string) *Error {
	return newError(KindInvalidClient, "", description, nil)
}

// ErrInvalidRedirect reports a redirect_uri that is not allowed for the client.
func ErrInvalidRedirect(description string) *Error {
	return newError(KindInvalidRedirect, "", description, nil)
}

// ErrInvalidScope reports a requested scope that is unknown or not allowed.
func ErrInvalidScope(description string) *Error {
	return newError(KindInvalidScope, "", description, nil)
}

// ErrInvalidGrant reports a bad code, verifier or refresh token. The
// description is deliberately the same for every cause.
func ErrInvalidGrant(err error) *Error {
	return newError(KindInvalidGrant, "", "The provided grant is invalid, expired or revoked", err)
}

// ErrUnauthorized reports bad credentials or a missing/invalid bearer token.
func ErrUnauthorized(description string, err error) *Error {
	return newError(KindUnauthorized, "", description, err)
}

// ErrTwoFactorRequired reports a correct password on an identity that needs a second factor.
func ErrTwoFactorRequired() *Error {
	return newError(KindTwoFactorRequired, "", "Two-factor authentication code required", nil)
}

// ErrForbidden reports a role, scope or ownership mismatch.
func ErrForbidden(description string) *Error {
	return newError(KindForbidden, "", description, nil)
}

// ErrConflict reports a uniqueness violation.
func ErrConflict(description string, err error) *Error {
	return newError(KindConflict, "", description, err)
}

// ErrRateLimited reports that the origin or subject is temporarily blocked.
func ErrRateLimited() *Error {
	return newError(KindRateLimited, "", "Too many failed attempts. Please try again later.", nil)
}

// ErrInternal wraps an unexpected failure. Nothing from err reaches the caller.
func ErrInternal(err error) *Error {
	return newError(KindInternal, "", "An internal error occurred", err)
}

// KindOf classifies any error. Storage sentinels that can leak out of a
// lower layer are mapped; anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, storage.ErrEmailExists):
		return KindConflict
	case errors.Is(err, storage.ErrClientNotFound):
		return KindInvalidClient
	case errors.Is(err, storage.ErrRefreshTokenNotFound),
		errors.Is(err, storage.ErrRefreshTokenRevoked),
		errors.Is(err, storage.ErrChallengeNotFound),
		errors.Is(err, storage.ErrChallengeExpired),
		errors.Is(err, storage.ErrChallengeUsed):
		return KindInvalidGrant
	}
	return KindInternal
}

// AsError converts any error to an *Error, wrapping unknown failures as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindOf(err)
	if kind == KindInternal {
		return ErrInternal(err)
	}
	return newError(kind, "", "The request could not be completed", err)
}
