package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY: never put credential values (tokens, codes, secrets, verifiers,
// TOTP codes, recovery codes) in spans. Record identifiers and outcomes only.
const (
	AttrClientID   = "iam.client_id"
	AttrIdentityID = "iam.identity_id"
	AttrScope      = "iam.scope"
	AttrGrantType  = "iam.grant_type"
	AttrPKCEMethod = "iam.pkce.method"
	AttrProvider   = "iam.federation.provider"
	AttrTwoFactor  = "iam.two_factor"
	AttrTokenReuse = "iam.token.reuse" //nolint:gosec // boolean flag, not a token
	AttrClientIP   = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds the client, identity and scope of an authorization flow.
// Empty values are skipped.
func AddFlowAttributes(span trace.Span, clientID, identityID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if identityID != "" {
		SetSpanAttributes(span, attribute.String(AttrIdentityID, identityID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGrantAttributes adds the grant type and PKCE method of a token operation.
// Empty values are skipped.
func AddGrantAttributes(span trace.Span, grantType, pkceMethod string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if pkceMethod != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, pkceMethod))
	}
}

// AddFederationAttributes adds the external identity provider of a federated login.
func AddFederationAttributes(span trace.Span, provider string) {
	if provider != "" {
		SetSpanAttributes(span, attribute.String(AttrProvider, provider))
	}
}

// AddTwoFactorAttribute records whether the identity requires a second factor.
func AddTwoFactorAttribute(span trace.Span, enabled bool) {
	SetSpanAttributes(span, attribute.Bool(AttrTwoFactor, enabled))
}

// MarkTokenReuse flags a span on which a replayed code or rotated token was detected.
func MarkTokenReuse(span trace.Span) {
	SetSpanAttributes(span, attribute.Bool(AttrTokenReuse, true))
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span.
// Callers must check ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
