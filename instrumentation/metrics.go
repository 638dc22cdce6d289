package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the IAM server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authentication and Token Metrics
	LoginAttempts       metric.Int64Counter
	TokensIssued        metric.Int64Counter
	TokenRefresh        metric.Int64Counter
	TokenReuseDetected  metric.Int64Counter
	CodeExchanged       metric.Int64Counter
	FederationLogins    metric.Int64Counter
	TwoFactorVerified   metric.Int64Counter
	AltchaVerifications metric.Int64Counter

	// Security Metrics
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageChallenges        metric.Int64ObservableGauge
	StorageIdentities        metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "iam.http.requests", "Total number of HTTP requests", "{request}"},
		{&m.LoginAttempts, serverMeter, "iam.login.attempts", "Login attempts by result", "{attempt}"},
		{&m.TokensIssued, serverMeter, "iam.tokens.issued", "Token pairs issued by grant", "{token}"},
		{&m.TokenRefresh, serverMeter, "iam.token.refresh", "Refresh token presentations by result", "{refresh}"},
		{&m.TokenReuseDetected, securityMeter, "iam.token.reuse_detected", "Replayed refresh tokens or authorization codes", "{attempt}"},
		{&m.CodeExchanged, serverMeter, "iam.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}"},
		{&m.FederationLogins, serverMeter, "iam.federation.logins", "Federated logins by result", "{login}"},
		{&m.TwoFactorVerified, securityMeter, "iam.twofactor.verifications", "Second factor verifications by result", "{verification}"},
		{&m.AltchaVerifications, securityMeter, "iam.altcha.verifications", "Proof-of-work verifications by result", "{verification}"},
		{&m.RateLimitExceeded, securityMeter, "iam.ratelimit.exceeded", "Requests rejected by a limiter", "{violation}"},
		{&m.AuditEventsTotal, securityMeter, "iam.audit.events", "Audit events recorded", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "iam.storage.operations", "Storage operations by result", "{operation}"},
	}

	var err error
	for _, c := range counters {
		*c.target, err = c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"iam.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"iam.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageChallenges, err = storageMeter.Int64ObservableGauge(
		"iam.storage.challenges",
		metric.WithDescription("Challenges held, including used entries awaiting sweep"),
		metric.WithUnit("{challenge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.challenges gauge: %w", err)
	}

	m.StorageIdentities, err = storageMeter.Int64ObservableGauge(
		"iam.storage.identities",
		metric.WithDescription("Registered identities"),
		metric.WithUnit("{identity}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.identities gauge: %w", err)
	}

	m.StorageRefreshTokens, err = storageMeter.Int64ObservableGauge(
		"iam.storage.refresh_tokens",
		metric.WithDescription("Stored refresh token records"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordLoginAttempt records a login outcome: "success", "failure", "two_factor_required" or "rate_limited"
func (m *Metrics) RecordLoginAttempt(ctx context.Context, result string) {
	m.LoginAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokensIssued records a minted token pair
func (m *Metrics) RecordTokensIssued(ctx context.Context, grant string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant", grant)))
}

// RecordTokenRefresh records a refresh presentation outcome
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	m.TokenRefresh.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenReuseDetected records a replayed credential; kind is "refresh_token" or "authorization_code"
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context, kind string) {
	m.TokenReuseDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordFederationLogin records a federated login outcome
func (m *Metrics) RecordFederationLogin(ctx context.Context, provider, result string) {
	m.FederationLogins.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

// RecordTwoFactorVerification records a TOTP or recovery code check
func (m *Metrics) RecordTwoFactorVerification(ctx context.Context, method string, success bool) {
	m.TwoFactorVerified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("result", resultLabel(success)),
	))
}

// RecordAltchaVerification records a proof-of-work verification outcome
func (m *Metrics) RecordAltchaVerification(ctx context.Context, result string) {
	m.AltchaVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitExceeded records a limiter rejection; limitType is e.g. "ip", "email" or "request"
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limitType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limit_type", limitType)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
