package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/machinaear/iam/instrumentation"
	"github.com/machinaear/iam/internal/testutil"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/storage"
	"github.com/machinaear/iam/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testFrontendURL = "https://app.example.com"
	testOrigin      = "203.0.113.7"
	testPassword    = "Correct-Horse-Battery-9"
	testRedirectURI = "https://app/cb"
)

var fastArgon2 = security.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1}

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

// testKeys loads one RSA key shared by the package tests; generating a
// 2048-bit key per test is slow.
func testKeys(t *testing.T) *security.KeyManager {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, security.RSAKeyBits)
		if err != nil {
			panic(err)
		}
		testKeyPEM = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
	})
	km, err := security.LoadKeyManager(testKeyPEM)
	if err != nil {
		t.Fatalf("LoadKeyManager() error = %v", err)
	}
	return km
}

// syncBuffer is a log sink that may be written by background mail goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recordingMailer captures links instead of sending mail.
type recordingMailer struct {
	mu    sync.Mutex
	links map[string]string
	sent  chan string
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{links: make(map[string]string), sent: make(chan string, 16)}
}

func (m *recordingMailer) record(kind, to, link string) {
	m.mu.Lock()
	m.links[kind+":"+to] = link
	m.mu.Unlock()
	m.sent <- kind
}

func (m *recordingMailer) SendVerificationEmail(_ context.Context, to, link string) error {
	m.record("verify", to, link)
	return nil
}

func (m *recordingMailer) SendPasswordResetEmail(_ context.Context, to, link string) error {
	m.record("reset", to, link)
	return nil
}

// waitToken waits for a mail of kind and returns the token in its link.
func (m *recordingMailer) waitToken(t *testing.T, kind, to string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		link, ok := m.links[kind+":"+to]
		m.mu.Unlock()
		if ok {
			u, err := url.Parse(link)
			if err != nil {
				t.Fatalf("mail link %q is not a URL: %v", link, err)
			}
			return u.Query().Get("token")
		}
		select {
		case <-m.sent:
		case <-deadline:
			t.Fatalf("no %s mail sent to %s", kind, to)
		}
	}
}

type testEnv struct {
	srv    *Server
	store  *memory.Store
	clock  *testutil.MockTime
	logs   *syncBuffer
	mailer *recordingMailer
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)

	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	config := &Config{
		Issuer:      testIssuer,
		FrontendURL: testFrontendURL,
	}
	for _, fn := range mutate {
		fn(config)
	}

	srv, err := New(Stores{
		Identities:    store,
		Clients:       store,
		Scopes:        store,
		Consents:      store,
		RefreshTokens: store,
		Challenges:    store,
	}, testKeys(t), security.NewPasswordHasher(fastArgon2), config, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetClock(clock.Now)

	auditor := security.NewAuditor(logger, store)
	auditor.SetClock(clock.Now)
	srv.SetAuditor(auditor)

	mailer := newRecordingMailer()
	srv.SetMailer(mailer)

	return &testEnv{srv: srv, store: store, clock: clock, logs: logs, mailer: mailer}
}

// registerClient registers a public client for testRedirectURI with the given scopes,
// registering the scopes first.
func (e *testEnv) registerClient(t *testing.T, clientID string, scopes ...string) *storage.Client {
	t.Helper()
	ctx := context.Background()
	for _, sc := range scopes {
		if _, err := e.srv.RegisterScope(ctx, sc, sc+" access"); err != nil {
			t.Fatalf("RegisterScope(%q) error = %v", sc, err)
		}
	}
	client, _, err := e.srv.RegisterClient(ctx, ClientRegistration{
		ClientID:      clientID,
		ClientName:    "Client " + clientID,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: scopes,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return client
}

// createIdentity stores an active password identity directly.
func (e *testEnv) createIdentity(t *testing.T, email string) *storage.Identity {
	t.Helper()
	hash, err := e.srv.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	identity := &storage.Identity{
		ID:            "id-" + strings.Split(email, "@")[0],
		Email:         email,
		Username:      strings.Split(email, "@")[0],
		PasswordHash:  hash,
		Roles:         []string{DefaultRole},
		Active:        true,
		EmailVerified: true,
		CreatedAt:     e.clock.Now(),
		UpdatedAt:     e.clock.Now(),
	}
	if err := e.store.CreateIdentity(context.Background(), identity); err != nil {
		t.Fatalf("CreateIdentity() error = %v", err)
	}
	return identity
}

// authorizeCode runs the authorization step for identityID and returns the issued code.
func (e *testEnv) authorizeCode(t *testing.T, clientID, identityID, challenge, scope string) string {
	t.Helper()
	result, err := e.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		State:               "xyz",
		Scope:               scope,
	}, identityID, testOrigin)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if result.Outcome != AuthorizationRedirect {
		t.Fatalf("Authorize() outcome = %v, want redirect", result.Outcome)
	}
	q := redirectQuery(t, result.RedirectURL)
	if q.Get("error") != "" {
		t.Fatalf("Authorize() redirected with error %q: %s", q.Get("error"), q.Get("error_description"))
	}
	return q.Get("code")
}

// auditCount returns how many audit events of eventType were stored.
func (e *testEnv) auditCount(t *testing.T, eventType string) int {
	t.Helper()
	events, err := e.store.QueryAuditEvents(context.Background(), storage.AuditQuery{Type: eventType})
	if err != nil {
		t.Fatalf("QueryAuditEvents() error = %v", err)
	}
	return len(events)
}

func redirectQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("redirect %q is not a URL: %v", raw, err)
	}
	return u.Query()
}

func assertKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("KindOf(%v) = %v, want %v", err, got, want)
	}
}

func TestNew(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	stores := Stores{
		Identities:    store,
		Clients:       store,
		Scopes:        store,
		Consents:      store,
		RefreshTokens: store,
		Challenges:    store,
	}

	t.Run("defaults", func(t *testing.T) {
		srv, err := New(stores, testKeys(t), nil, nil, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if srv.Config.Issuer != DefaultIssuer {
			t.Errorf("Issuer = %q, want %q", srv.Config.Issuer, DefaultIssuer)
		}
		if srv.Logger == nil || srv.Auditor == nil || srv.Mailer == nil || srv.Encryptor == nil {
			t.Error("New() left a collaborator nil")
		}
		if srv.Provider() != nil {
			t.Error("federation should be disabled by default")
		}
	})

	t.Run("missing key manager", func(t *testing.T) {
		if _, err := New(stores, nil, nil, nil, nil); err == nil {
			t.Error("expected error without key manager")
		}
	})

	t.Run("missing store", func(t *testing.T) {
		incomplete := stores
		incomplete.Challenges = nil
		if _, err := New(incomplete, testKeys(t), nil, nil, nil); err == nil {
			t.Error("expected error without challenge store")
		}
	})

	t.Run("plain http issuer refused", func(t *testing.T) {
		_, err := New(stores, testKeys(t), nil, &Config{Issuer: "http://auth.example.com"}, nil)
		if err == nil {
			t.Fatal("expected error for http issuer on a public host")
		}
	})

	t.Run("plain http issuer allowed explicitly", func(t *testing.T) {
		_, err := New(stores, testKeys(t), nil, &Config{Issuer: "http://auth.internal", AllowInsecureHTTP: true}, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
	})
}

// recordSpans swaps the server tracer for one that keeps ended spans.
func (e *testEnv) recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	e.srv.tracer = tp.Tracer("test")
	return recorder
}

func spanAttributes(t *testing.T, recorder *tracetest.SpanRecorder, name string) []map[attribute.Key]attribute.Value {
	t.Helper()
	var out []map[attribute.Key]attribute.Value
	for _, span := range recorder.Ended() {
		if span.Name() != name {
			continue
		}
		attrs := make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		out = append(out, attrs)
	}
	if len(out) == 0 {
		t.Fatalf("no %s span recorded", name)
	}
	return out
}

func TestOperationSpanAttributes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	recorder := env.recordSpans(t)
	env.registerClient(t, "web")
	user := env.createIdentity(t, "ivan@example.com")

	challenge, verifier := testutil.GeneratePKCEPair()
	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         env.authorizeCode(t, "web", user.ID, challenge, ""),
		ClientID:     "web",
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	}
	if _, err := env.srv.ExchangeAuthorizationCode(ctx, req, testOrigin); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	_, err := env.srv.ExchangeAuthorizationCode(ctx, req, testOrigin)
	assertKind(t, err, KindInvalidGrant)
	if _, err := env.srv.Login(ctx, LoginRequest{Email: user.Email, Password: testPassword}, testOrigin); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	authorize := spanAttributes(t, recorder, "iam.server.authorize")[0]
	if authorize[instrumentation.AttrClientID].AsString() != "web" ||
		authorize[instrumentation.AttrIdentityID].AsString() != user.ID ||
		authorize[instrumentation.AttrPKCEMethod].AsString() != PKCEMethodS256 {
		t.Errorf("authorize span attributes = %v", authorize)
	}

	exchanges := spanAttributes(t, recorder, "iam.server.exchange_authorization_code")
	if len(exchanges) != 2 {
		t.Fatalf("got %d exchange spans, want 2", len(exchanges))
	}
	if exchanges[0][instrumentation.AttrGrantType].AsString() != GrantTypeAuthorizationCode {
		t.Errorf("exchange span attributes = %v", exchanges[0])
	}
	if _, flagged := exchanges[0][instrumentation.AttrTokenReuse]; flagged {
		t.Error("first redemption flagged as reuse")
	}
	if !exchanges[1][instrumentation.AttrTokenReuse].AsBool() {
		t.Errorf("replayed code not flagged: %v", exchanges[1])
	}

	login := spanAttributes(t, recorder, "iam.server.login")[0]
	if login[instrumentation.AttrIdentityID].AsString() != user.ID {
		t.Errorf("login span attributes = %v", login)
	}
	if v, ok := login[instrumentation.AttrTwoFactor]; !ok || v.AsBool() {
		t.Errorf("%s = %v, want false", instrumentation.AttrTwoFactor, v)
	}
	for _, span := range recorder.Ended() {
		for _, kv := range span.Attributes() {
			if kv.Value.AsString() == verifier || kv.Value.AsString() == req.Code {
				t.Errorf("span %s records credential material under %s", span.Name(), kv.Key)
			}
		}
	}
}
