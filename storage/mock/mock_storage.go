// Package mock provides storage implementations with replaceable behaviour
// for tests that need a store to fail or to count calls.
package mock

import (
	"context"
	"sync"

	"github.com/machinaear/iam/storage"
)

// MockIdentityStore wraps an IdentityStore. Every XxxFunc defaults to the
// wrapped store; tests replace individual funcs to inject failures.
type MockIdentityStore struct {
	mu                           sync.Mutex
	CreateIdentityFunc           func(ctx context.Context, identity *storage.Identity) error
	GetIdentityFunc              func(ctx context.Context, id string) (*storage.Identity, error)
	GetIdentityByEmailFunc       func(ctx context.Context, email string) (*storage.Identity, error)
	GetIdentityByFederatedIDFunc func(ctx context.Context, provider, federatedID string) (*storage.Identity, error)
	UpdateIdentityFunc           func(ctx context.Context, identity *storage.Identity) error
	ConsumeRecoveryCodeFunc      func(ctx context.Context, identityID, codeHash string) error
	CallCounts                   map[string]int
}

// NewMockIdentityStore returns a mock delegating to next
func NewMockIdentityStore(next storage.IdentityStore) *MockIdentityStore {
	return &MockIdentityStore{
		CreateIdentityFunc:           next.CreateIdentity,
		GetIdentityFunc:              next.GetIdentity,
		GetIdentityByEmailFunc:       next.GetIdentityByEmail,
		GetIdentityByFederatedIDFunc: next.GetIdentityByFederatedID,
		UpdateIdentityFunc:           next.UpdateIdentity,
		ConsumeRecoveryCodeFunc:      next.ConsumeRecoveryCode,
		CallCounts:                   make(map[string]int),
	}
}

func (m *MockIdentityStore) count(name string) {
	m.mu.Lock()
	m.CallCounts[name]++
	m.mu.Unlock()
}

// Calls returns how often the named method was called
func (m *MockIdentityStore) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[name]
}

func (m *MockIdentityStore) CreateIdentity(ctx context.Context, identity *storage.Identity) error {
	m.count("CreateIdentity")
	return m.CreateIdentityFunc(ctx, identity)
}

func (m *MockIdentityStore) GetIdentity(ctx context.Context, id string) (*storage.Identity, error) {
	m.count("GetIdentity")
	return m.GetIdentityFunc(ctx, id)
}

func (m *MockIdentityStore) GetIdentityByEmail(ctx context.Context, email string) (*storage.Identity, error) {
	m.count("GetIdentityByEmail")
	return m.GetIdentityByEmailFunc(ctx, email)
}

func (m *MockIdentityStore) GetIdentityByFederatedID(ctx context.Context, provider, federatedID string) (*storage.Identity, error) {
	m.count("GetIdentityByFederatedID")
	return m.GetIdentityByFederatedIDFunc(ctx, provider, federatedID)
}

func (m *MockIdentityStore) UpdateIdentity(ctx context.Context, identity *storage.Identity) error {
	m.count("UpdateIdentity")
	return m.UpdateIdentityFunc(ctx, identity)
}

func (m *MockIdentityStore) ConsumeRecoveryCode(ctx context.Context, identityID, codeHash string) error {
	m.count("ConsumeRecoveryCode")
	return m.ConsumeRecoveryCodeFunc(ctx, identityID, codeHash)
}

// MockAuditStore keeps audit events in memory unless its funcs are replaced.
type MockAuditStore struct {
	mu                   sync.Mutex
	events               []*storage.AuditEvent
	AppendAuditEventFunc func(ctx context.Context, event *storage.AuditEvent) error
	QueryAuditEventsFunc func(ctx context.Context, query storage.AuditQuery) ([]*storage.AuditEvent, error)
}

// NewMockAuditStore creates an empty audit store
func NewMockAuditStore() *MockAuditStore {
	m := &MockAuditStore{}

	m.AppendAuditEventFunc = func(_ context.Context, event *storage.AuditEvent) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		copied := *event
		m.events = append(m.events, &copied)
		return nil
	}

	// Filters by type only; newest first like the real stores.
	m.QueryAuditEventsFunc = func(_ context.Context, query storage.AuditQuery) ([]*storage.AuditEvent, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		var out []*storage.AuditEvent
		for i := len(m.events) - 1; i >= 0; i-- {
			if query.Type != "" && m.events[i].Type != query.Type {
				continue
			}
			out = append(out, m.events[i])
			if query.Limit > 0 && len(out) == query.Limit {
				break
			}
		}
		return out, nil
	}

	return m
}

func (m *MockAuditStore) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	return m.AppendAuditEventFunc(ctx, event)
}

func (m *MockAuditStore) QueryAuditEvents(ctx context.Context, query storage.AuditQuery) ([]*storage.AuditEvent, error) {
	return m.QueryAuditEventsFunc(ctx, query)
}

// Events returns a copy of everything appended so far, oldest first
func (m *MockAuditStore) Events() []*storage.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*storage.AuditEvent(nil), m.events...)
}

var (
	_ storage.IdentityStore = (*MockIdentityStore)(nil)
	_ storage.AuditStore    = (*MockAuditStore)(nil)
)
