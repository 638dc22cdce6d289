// Package mock provides a configurable providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/machinaear/iam/providers"
)

var _ providers.Provider = (*MockProvider)(nil)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state, codeChallenge string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	UserInfoFunc         func(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	HealthCheckFunc      func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

// NewMockProvider creates a provider that accepts any code and returns User.
func NewMockProvider(user *providers.UserInfo) *MockProvider {
	if user == nil {
		user = &providers.UserInfo{
			ID:            "mock-user-123",
			Email:         "mock@example.com",
			EmailVerified: true,
			Name:          "Mock User",
			GivenName:     "Mock",
			FamilyName:    "User",
		}
	}

	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state, codeChallenge string) string {
			q := url.Values{}
			q.Set("state", state)
			q.Set("code_challenge", codeChallenge)
			return "https://mock.example.com/authorize?" + q.Encode()
		},
		ExchangeCodeFunc: func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
			}, nil
		},
		UserInfoFunc: func(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
			u := *user
			return &u, nil
		},
		RevokeTokenFunc: func(ctx context.Context, token string) error {
			return nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// track increments the counter for method and returns under the lock; the
// caller invokes the configured func afterwards so it may call back into the mock.
func (m *MockProvider) track(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	m.track("Name")
	if m.NameFunc == nil {
		return "mock"
	}
	return m.NameFunc()
}

// AuthorizationURL returns the consent URL
func (m *MockProvider) AuthorizationURL(state, codeChallenge string) string {
	m.track("AuthorizationURL")
	if m.AuthorizationURLFunc == nil {
		return "https://mock.example.com/authorize?state=" + url.QueryEscape(state)
	}
	return m.AuthorizationURLFunc(state, codeChallenge)
}

// ExchangeCode exchanges a code for tokens
func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.track("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code, codeVerifier)
}

// UserInfo returns the account behind token
func (m *MockProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*providers.UserInfo, error) {
	m.track("UserInfo")
	if m.UserInfoFunc == nil {
		return nil, fmt.Errorf("UserInfoFunc not configured")
	}
	return m.UserInfoFunc(ctx, token)
}

// RevokeToken revokes a token at the provider
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.track("RevokeToken")
	if m.RevokeTokenFunc == nil {
		return fmt.Errorf("RevokeTokenFunc not configured")
	}
	return m.RevokeTokenFunc(ctx, token)
}

// HealthCheck reports provider health
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.track("HealthCheck")
	if m.HealthCheckFunc == nil {
		return nil
	}
	return m.HealthCheckFunc(ctx)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
