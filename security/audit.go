package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/storage"
)

// Auditor records security events as structured log lines with hashed PII and,
// when a store is configured, as immutable AuditStore records.
type Auditor struct {
	logger          *slog.Logger
	store           storage.AuditStore
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewAuditor creates a new security auditor. store may be nil to log only.
func NewAuditor(logger *slog.Logger, store storage.AuditStore) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger: logger,
		store:  store,
		now:    time.Now,
	}
}

// SetInstrumentation enables the audit event counter
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
}

// SetClock overrides the time source.
func (a *Auditor) SetClock(now func() time.Time) {
	a.now = now
}

// Event represents a security audit event
type Event struct {
	Type       string
	IdentityID string
	Email      string
	ClientID   string
	IPAddress  string
	UserAgent  string
	Success    bool
	Details    string
	Metadata   map[string]string
}

// LogEvent logs a security event with hashed PII and appends it to the audit store.
// Store failures are logged and never returned: auditing must not break authentication.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	timestamp := a.now().UTC()

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"success", event.Success,
		"identity_id_hash", hashForLogging(event.IdentityID),
		"email_hash", hashForLogging(event.Email),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", timestamp,
	)

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)
	}

	if a.store == nil {
		return
	}

	record := &storage.AuditEvent{
		ID:         uuid.NewString(),
		Type:       event.Type,
		IdentityID: event.IdentityID,
		Email:      event.Email,
		ClientID:   event.ClientID,
		IPAddress:  event.IPAddress,
		UserAgent:  event.UserAgent,
		Success:    event.Success,
		Details:    event.Details,
		Metadata:   event.Metadata,
		Timestamp:  timestamp,
	}
	if err := a.store.AppendAuditEvent(ctx, record); err != nil {
		a.logger.ErrorContext(ctx, "Failed to persist audit event",
			"event_type", event.Type,
			"error", err)
	}
}

// LogAuthFailure logs a failed credential check
func (a *Auditor) LogAuthFailure(ctx context.Context, eventType, email, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      eventType,
		Email:     email,
		IPAddress: ipAddress,
		Success:   false,
		Details:   reason,
	})
}

// LogRateLimitExceeded logs a limiter rejection
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, email, limitType string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		Email:     email,
		IPAddress: ipAddress,
		Success:   false,
		Details:   "Rate limit exceeded: too many failed attempts",
		Metadata:  map[string]string{"limit_type": limitType},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
