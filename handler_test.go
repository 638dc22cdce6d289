package iam

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/machinaear/iam/internal/testutil"
	"github.com/machinaear/iam/security"
	"github.com/machinaear/iam/server"
	"github.com/machinaear/iam/storage"
	"github.com/machinaear/iam/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testFrontendURL = "https://app.example.com"
	testPassword    = "Correct-Horse-Battery-9"
	testRedirectURI = "https://app/cb"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

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

type testEnv struct {
	h      *Handler
	srv    *server.Server
	store  *memory.Store
	routes http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, mutate...)
}

// newTestEnvWith lets wrapIdentities replace the identity store, typically
// with a mock.MockIdentityStore around the memory store.
func newTestEnvWith(t *testing.T, wrapIdentities func(storage.IdentityStore) storage.IdentityStore, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	var identities storage.IdentityStore = store
	if wrapIdentities != nil {
		identities = wrapIdentities(store)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config := &Config{
		Server: server.Config{
			Issuer:            testIssuer,
			FrontendURL:       testFrontendURL,
			FirstPartyClients: []string{"web"},
		},
	}
	for _, fn := range mutate {
		fn(config)
	}

	srv, err := server.New(server.Stores{
		Identities:    identities,
		Clients:       store,
		Scopes:        store,
		Consents:      store,
		RefreshTokens: store,
		Challenges:    store,
	}, testKeys(t), security.NewPasswordHasher(security.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1}), &config.Server, logger)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, store))

	h := NewHandler(srv, config, logger)
	h.SetAuditStore(store)
	return &testEnv{h: h, srv: srv, store: store, routes: h.Routes()}
}

// registerClient registers a public client for testRedirectURI and its scopes.
func (e *testEnv) registerClient(t *testing.T, clientID string, scopes ...string) {
	t.Helper()
	ctx := context.Background()
	for _, sc := range scopes {
		if _, err := e.srv.RegisterScope(ctx, sc, sc+" access"); err != nil && server.KindOf(err) != server.KindConflict {
			t.Fatalf("RegisterScope(%q) error = %v", sc, err)
		}
	}
	if _, _, err := e.srv.RegisterClient(ctx, server.ClientRegistration{
		ClientID:      clientID,
		ClientName:    "Client " + clientID,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: scopes,
	}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
}

type session struct {
	identityID string
	access     *http.Cookie
	refresh    *http.Cookie
	tokens     server.TokenPair
}

func (s *session) bearer() string {
	return "Bearer " + s.tokens.AccessToken
}

// register creates an identity through the API and returns its session.
func (e *testEnv) register(t *testing.T, email string) *session {
	t.Helper()
	body := mustJSON(t, map[string]string{
		"email":    email,
		"username": strings.Split(email, "@")[0],
		"password": testPassword,
	})
	rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/register").WithJSON(body).Do(e.routes)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rr.Code, rr.Body.String())
	}
	identity, err := e.store.GetIdentityByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("GetIdentityByEmail() error = %v", err)
	}
	return e.sessionFrom(t, rr, identity.ID)
}

// login authenticates through the API.
func (e *testEnv) login(t *testing.T, email string) *session {
	t.Helper()
	body := mustJSON(t, map[string]string{"email": email, "password": testPassword})
	rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/login").WithJSON(body).Do(e.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rr.Code, rr.Body.String())
	}
	identity, err := e.store.GetIdentityByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("GetIdentityByEmail() error = %v", err)
	}
	return e.sessionFrom(t, rr, identity.ID)
}

func (e *testEnv) sessionFrom(t *testing.T, rr *httptest.ResponseRecorder, identityID string) *session {
	t.Helper()
	s := &session{
		identityID: identityID,
		access:     testutil.FindCookie(rr, AccessTokenCookie),
		refresh:    testutil.FindCookie(rr, RefreshTokenCookie),
	}
	decodeBody(t, rr, &s.tokens)
	if s.access == nil || s.refresh == nil {
		t.Fatal("token cookies were not set")
	}
	return s
}

// admin registers an identity and promotes it to ADMIN.
func (e *testEnv) admin(t *testing.T, email string) *session {
	t.Helper()
	s := e.register(t, email)
	if err := e.srv.SetIdentityRoles(context.Background(), s.identityID, []string{server.DefaultRole, server.AdminRole}); err != nil {
		t.Fatalf("SetIdentityRoles() error = %v", err)
	}
	return e.login(t, email)
}

func (e *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	return testutil.NewHTTPRequest(http.MethodPost, path).
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(form.Encode()).
		Do(e.routes)
}

func authorizeURL(clientID, challenge string) string {
	return "/auth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {server.PKCEMethodS256},
		"state":                 {"xyz"},
		"scope":                 {"profile"},
	}.Encode()
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return string(raw)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v, body = %s", err, rr.Body.String())
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	return resp
}

func locationQuery(t *testing.T, rr *httptest.ResponseRecorder) url.Values {
	t.Helper()
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location %q is not a URL: %v", rr.Header().Get("Location"), err)
	}
	return loc.Query()
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "web", "profile")
	alice := env.register(t, "alice@example.com")
	challenge, verifier := testutil.GeneratePKCEPair()

	rr := testutil.NewHTTPRequest(http.MethodGet, authorizeURL("web", challenge)).
		WithCookie(alice.access).
		Do(env.routes)
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, testRedirectURI+"?") {
		t.Fatalf("Location = %q, want the client redirect URI", loc)
	}
	q := locationQuery(t, rr)
	if q.Get("state") != "xyz" || q.Get("code") == "" {
		t.Fatalf("redirect query = %v", q)
	}

	form := url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {q.Get("code")},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {"web"},
	}
	rr = env.postForm("/auth/token", form)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var tokens server.TokenPair
	decodeBody(t, rr, &tokens)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.TokenType != "Bearer" {
		t.Errorf("tokens = %+v", tokens)
	}
	if tokens.Scope != "profile" {
		t.Errorf("scope = %q, want profile", tokens.Scope)
	}
	if testutil.FindCookie(rr, AccessTokenCookie) == nil {
		t.Error("token endpoint did not set the access cookie")
	}

	me := testutil.NewHTTPRequest(http.MethodGet, "/auth/me").
		WithHeader("Authorization", "Bearer "+tokens.AccessToken).
		Do(env.routes)
	if me.Code != http.StatusOK {
		t.Fatalf("me status = %d, body = %s", me.Code, me.Body.String())
	}
	var profile server.Profile
	decodeBody(t, me, &profile)
	if profile.ID != alice.identityID || profile.Email != "alice@example.com" {
		t.Errorf("profile = %+v", profile)
	}

	replay := env.postForm("/auth/token", form)
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("replayed code status = %d, want 401", replay.Code)
	}
	if got := decodeError(t, replay).Error; got != server.ErrorCodeInvalidGrant {
		t.Errorf("replayed code error = %q, want invalid_grant", got)
	}
}

func TestAuthorization_LoginRequiredAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "web", "profile")
	challenge, verifier := testutil.GeneratePKCEPair()

	rr := testutil.NewHTTPRequest(http.MethodGet, authorizeURL("web", challenge)).Do(env.routes)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, testFrontendURL+"/login?request=") {
		t.Fatalf("Location = %q, want the login page", loc)
	}
	pendingID := locationQuery(t, rr).Get("request")

	bob := env.register(t, "bob@example.com")

	rr = testutil.NewHTTPRequest(http.MethodGet, "/auth/authorize/resume?request="+url.QueryEscape(pendingID)).
		WithCookie(bob.access).
		Do(env.routes)
	if rr.Code != http.StatusFound {
		t.Fatalf("resume status = %d, body = %s", rr.Code, rr.Body.String())
	}
	code := locationQuery(t, rr).Get("code")
	if code == "" {
		t.Fatalf("resume Location = %q, want a code", rr.Header().Get("Location"))
	}

	rr = env.postForm("/auth/token", url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {"web"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rr.Code, rr.Body.String())
	}

	// The pending request is single use.
	rr = testutil.NewHTTPRequest(http.MethodGet, "/auth/authorize/resume?request="+url.QueryEscape(pendingID)).
		WithCookie(bob.access).
		Do(env.routes)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("second resume status = %d, want 400", rr.Code)
	}
}

func TestAuthorization_Consent(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "partner", "profile")
	carol := env.register(t, "carol@example.com")
	challenge, _ := testutil.GeneratePKCEPair()

	rr := testutil.NewHTTPRequest(http.MethodGet, authorizeURL("partner", challenge)).
		WithCookie(carol.access).
		Do(env.routes)
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); !strings.HasPrefix(loc, testFrontendURL+"/consent?request=") {
		t.Fatalf("Location = %q, want the consent page", loc)
	}
	pendingID := locationQuery(t, rr).Get("request")

	rr = testutil.NewHTTPRequest(http.MethodGet, "/auth/consent?request="+url.QueryEscape(pendingID)).
		WithCookie(carol.access).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("consent page status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var page consentPageResponse
	decodeBody(t, rr, &page)
	if page.ClientID != "partner" || page.ClientName != "Client partner" || len(page.Scopes) != 1 {
		t.Errorf("consent page = %+v", page)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/consent").
		WithCookie(carol.access).
		WithJSON(mustJSON(t, consentBody{Request: pendingID, Approve: true})).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("consent decision status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var next redirectResponse
	decodeBody(t, rr, &next)
	target, err := url.Parse(next.RedirectURL)
	if err != nil || target.Query().Get("code") == "" {
		t.Errorf("redirect_url = %q, want a code", next.RedirectURL)
	}
}

func TestAuthorization_RejectedBeforeRedirect(t *testing.T) {
	env := newTestEnv(t)
	challenge, _ := testutil.GeneratePKCEPair()

	rr := testutil.NewHTTPRequest(http.MethodGet, authorizeURL("unknown", challenge)).Do(env.routes)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if rr.Header().Get("Location") != "" {
		t.Error("an unknown client must not be redirected")
	}
	if got := decodeError(t, rr).Error; got != server.ErrorCodeInvalidClient {
		t.Errorf("error = %q, want invalid_client", got)
	}
}

func TestToken_Refresh(t *testing.T) {
	env := newTestEnv(t)
	dave := env.register(t, "dave@example.com")

	// The refresh token comes from the cookie when the form has none.
	rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/token").
		WithHeader("Content-Type", "application/x-www-form-urlencoded").
		WithBody(url.Values{"grant_type": {server.GrantTypeRefreshToken}}.Encode()).
		WithCookie(dave.refresh).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var rotated server.TokenPair
	decodeBody(t, rr, &rotated)
	if rotated.RefreshToken == "" || rotated.RefreshToken == dave.tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if c := testutil.FindCookie(rr, RefreshTokenCookie); c == nil || c.Value != rotated.RefreshToken {
		t.Error("refresh cookie does not hold the rotated token")
	}

	rr = env.postForm("/auth/token", url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {dave.tokens.RefreshToken},
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh token status = %d, want 401", rr.Code)
	}
}

func TestToken_UnsupportedGrant(t *testing.T) {
	env := newTestEnv(t)

	for _, grant := range []string{"", "password", "client_credentials"} {
		t.Run(grant, func(t *testing.T) {
			rr := env.postForm("/auth/token", url.Values{"grant_type": {grant}})
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if got := decodeError(t, rr).Error; got != server.ErrorCodeUnsupportedGrantType {
				t.Errorf("error = %q, want unsupported_grant_type", got)
			}
		})
	}
}

func TestTokenRevocation(t *testing.T) {
	env := newTestEnv(t)
	erin := env.register(t, "erin@example.com")

	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
	}{
		{name: "unknown token", form: url.Values{"token": {"not-a-token"}}, wantStatus: http.StatusOK},
		{name: "refresh token", form: url.Values{"token": {erin.tokens.RefreshToken}}, wantStatus: http.StatusOK},
		{name: "revoked again", form: url.Values{"token": {erin.tokens.RefreshToken}}, wantStatus: http.StatusOK},
		{name: "missing token", form: url.Values{}, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postForm("/auth/revoke", tt.form)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}

	rr := env.postForm("/auth/token", url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {erin.tokens.RefreshToken},
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("refresh with revoked token status = %d, want 401", rr.Code)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "frank@example.com")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "valid credentials",
			body:       `{"email":"FRANK@example.com","password":"` + testPassword + `"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong password",
			body:       `{"email":"frank@example.com","password":"Wrong-Horse-Battery-9"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   server.ErrorCodeInvalidToken,
		},
		{
			name:       "unknown email",
			body:       `{"email":"nobody@example.com","password":"` + testPassword + `"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   server.ErrorCodeInvalidToken,
		},
		{
			name:       "missing fields",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   server.ErrorCodeInvalidRequest,
		},
		{
			name:       "malformed body",
			body:       `{"email":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   server.ErrorCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/login").WithJSON(tt.body).Do(env.routes)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantCode == "" {
				return
			}
			if got := decodeError(t, rr).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
			if tt.wantStatus == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
		})
	}
}

func TestLogin_TwoFactor(t *testing.T) {
	env := newTestEnv(t)
	grace := env.register(t, "grace@example.com")

	rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/2fa/setup").WithCookie(grace.access).Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var setup twoFactorSetupResponse
	decodeBody(t, rr, &setup)
	if setup.Secret == "" || setup.QRCode == "" || len(setup.RecoveryCodes) == 0 {
		t.Fatalf("setup = %+v", setup)
	}

	code, err := security.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}
	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/2fa/enable").
		WithCookie(grace.access).
		WithJSON(mustJSON(t, enableTwoFactorBody{Secret: setup.Secret, Code: code, RecoveryCodes: setup.RecoveryCodes})).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("enable status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/login").
		WithJSON(mustJSON(t, loginBody{Email: "grace@example.com", Password: testPassword})).
		Do(env.routes)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("login without code status = %d, want 401", rr.Code)
	}
	if resp := decodeError(t, rr); !resp.TwoFactorRequired {
		t.Errorf("response = %+v, want twoFactorRequired", resp)
	}
	if testutil.FindCookie(rr, AccessTokenCookie) != nil {
		t.Error("cookies set before the second factor")
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/login").
		WithJSON(mustJSON(t, loginBody{Email: "grace@example.com", Password: testPassword, RecoveryCode: setup.RecoveryCodes[0]})).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("login with recovery code status = %d, body = %s", rr.Code, rr.Body.String())
	}

	me := testutil.NewHTTPRequest(http.MethodGet, "/auth/me").WithCookie(grace.access).Do(env.routes)
	var profile server.Profile
	decodeBody(t, me, &profile)
	if !profile.TwoFactorEnabled {
		t.Error("profile does not report two-factor enabled")
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	heidi := env.register(t, "heidi@example.com")

	rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/logout").WithCookie(heidi.refresh).Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body = %s", rr.Code, rr.Body.String())
	}
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		c := testutil.FindCookie(rr, name)
		if c == nil || c.MaxAge >= 0 {
			t.Errorf("cookie %s was not cleared: %+v", name, c)
		}
	}

	rr = env.postForm("/auth/token", url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {heidi.tokens.RefreshToken},
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout status = %d, want 401", rr.Code)
	}
}

func TestTokenCookies(t *testing.T) {
	tests := []struct {
		name         string
		secure       bool
		wantSameSite http.SameSite
	}{
		{name: "development", secure: false, wantSameSite: http.SameSiteLaxMode},
		{name: "secure", secure: true, wantSameSite: http.SameSiteNoneMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) {
				c.Cookies.Secure = tt.secure
				c.Cookies.Domain = "example.com"
			})
			s := env.register(t, "ivan@example.com")

			for _, c := range []*http.Cookie{s.access, s.refresh} {
				if !c.HttpOnly {
					t.Errorf("%s is not HttpOnly", c.Name)
				}
				if c.Secure != tt.secure {
					t.Errorf("%s Secure = %v, want %v", c.Name, c.Secure, tt.secure)
				}
				if c.SameSite != tt.wantSameSite {
					t.Errorf("%s SameSite = %v, want %v", c.Name, c.SameSite, tt.wantSameSite)
				}
				if c.Domain != "example.com" {
					t.Errorf("%s Domain = %q", c.Name, c.Domain)
				}
			}
			if s.access.Path != "/" {
				t.Errorf("access cookie path = %q, want /", s.access.Path)
			}
			if s.refresh.Path != refreshCookiePath {
				t.Errorf("refresh cookie path = %q, want %s", s.refresh.Path, refreshCookiePath)
			}
			if s.access.MaxAge != int(s.tokens.ExpiresIn) || s.refresh.MaxAge != int(s.tokens.RefreshExpiresIn) {
				t.Errorf("cookie lifetimes = %d/%d, want %d/%d",
					s.access.MaxAge, s.refresh.MaxAge, s.tokens.ExpiresIn, s.tokens.RefreshExpiresIn)
			}
		})
	}
}

func TestPasswordEndpoints(t *testing.T) {
	env := newTestEnv(t)
	judy := env.register(t, "judy@example.com")

	rr := testutil.NewHTTPRequest(http.MethodPost, "/auth/password/forgot").
		WithJSON(`{"email":"nobody@example.com"}`).
		Do(env.routes)
	if rr.Code != http.StatusAccepted {
		t.Errorf("forgot for unknown email status = %d, want 202", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/password/change").
		WithCookie(judy.access).
		WithJSON(mustJSON(t, changePasswordBody{CurrentPassword: "Wrong-Horse-Battery-9", NewPassword: "Brand-New-Lantern-42"})).
		Do(env.routes)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("change with wrong password status = %d, want 401", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/password/change").
		WithCookie(judy.access).
		WithJSON(mustJSON(t, changePasswordBody{CurrentPassword: testPassword, NewPassword: "Brand-New-Lantern-42"})).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("change status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/auth/password/reset").
		WithJSON(mustJSON(t, resetPasswordBody{Token: "bogus", NewPassword: "Brand-New-Lantern-42"})).
		Do(env.routes)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("reset with bogus token status = %d, want 400", rr.Code)
	}
}

func TestDiscovery(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "web", "profile")

	rr := testutil.NewHTTPRequest(http.MethodGet, "/.well-known/oauth-authorization-server").Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("metadata status = %d", rr.Code)
	}
	var meta AuthorizationServerMetadata
	decodeBody(t, rr, &meta)
	if meta.Issuer != testIssuer || meta.TokenEndpoint != testIssuer+"/auth/token" {
		t.Errorf("metadata = %+v", meta)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
	if len(meta.ScopesSupported) != 1 || meta.ScopesSupported[0] != "profile" {
		t.Errorf("scopes_supported = %v", meta.ScopesSupported)
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, "/.well-known/jwks.json").Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("jwks status = %d", rr.Code)
	}
	var jwks security.JWKSet
	decodeBody(t, rr, &jwks)
	if len(jwks.Keys) != 1 {
		t.Errorf("jwks has %d keys, want 1", len(jwks.Keys))
	}
	if got := rr.Header().Get("Cache-Control"); got != "public, max-age=300" {
		t.Errorf("jwks Cache-Control = %q", got)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	root := env.admin(t, "root@example.com")
	user := env.register(t, "mallory@example.com")

	body := mustJSON(t, clientBody{
		ClientName:   "Backoffice",
		ClientType:   storage.ClientTypeConfidential,
		RedirectURIs: []string{"https://backoffice.example.com/cb"},
	})

	rr := testutil.NewHTTPRequest(http.MethodPost, "/admin/clients").
		WithHeader("Authorization", user.bearer()).
		WithJSON(body).
		Do(env.routes)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("USER registering a client status = %d, want 403", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/admin/clients").
		WithHeader("Authorization", root.bearer()).
		WithJSON(body).
		Do(env.routes)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register client status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var created clientResponse
	decodeBody(t, rr, &created)
	if created.ClientID == "" || created.ClientSecret == "" || !created.Active {
		t.Errorf("created client = %+v", created)
	}
	if strings.Contains(rr.Body.String(), "hash") {
		t.Error("client response leaks the secret hash")
	}

	rr = testutil.NewHTTPRequest(http.MethodPut, "/admin/clients/"+created.ClientID+"/active").
		WithHeader("Authorization", root.bearer()).
		WithJSON(`{"active":false}`).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate client status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, "/admin/clients").
		WithHeader("Authorization", root.bearer()).
		Do(env.routes)
	var clients []clientResponse
	decodeBody(t, rr, &clients)
	if len(clients) != 1 || clients[0].Active || clients[0].ClientSecret != "" {
		t.Errorf("clients = %+v", clients)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, "/admin/scopes").
		WithHeader("Authorization", root.bearer()).
		WithJSON(`{"name":"devices:read","description":"Read devices"}`).
		Do(env.routes)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register scope status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, "/admin/audit-events?type="+security.EventLoginSuccess).
		WithHeader("Authorization", root.bearer()).
		Do(env.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit query status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var events []auditEventResponse
	decodeBody(t, rr, &events)
	if len(events) == 0 {
		t.Error("no login events returned")
	}
	for _, e := range events {
		if e.Type != security.EventLoginSuccess {
			t.Errorf("event type = %q, want %q", e.Type, security.EventLoginSuccess)
		}
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, "/admin/audit-events?since=yesterday").
		WithHeader("Authorization", root.bearer()).
		Do(env.routes)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rr.Code)
	}
}

func TestAltchaEndpoints(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t)
		rr := testutil.NewHTTPRequest(http.MethodGet, "/altcha/challenge").Do(env.routes)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("solve and replay", func(t *testing.T) {
		env := newTestEnv(t)
		manager, err := security.NewAltchaManager([]byte("0123456789abcdef0123456789abcdef"), env.store, nil)
		if err != nil {
			t.Fatalf("NewAltchaManager() error = %v", err)
		}
		env.srv.SetAltchaManager(manager)

		rr := testutil.NewHTTPRequest(http.MethodGet, "/altcha/challenge").Do(env.routes)
		if rr.Code != http.StatusOK {
			t.Fatalf("challenge status = %d, body = %s", rr.Code, rr.Body.String())
		}
		var challenge security.AltchaChallenge
		decodeBody(t, rr, &challenge)

		solution, ok := security.SolveAltcha(&challenge)
		if !ok {
			t.Fatal("challenge could not be solved")
		}
		payload, err := security.EncodeAltchaPayload(solution)
		if err != nil {
			t.Fatalf("EncodeAltchaPayload() error = %v", err)
		}
		body := mustJSON(t, altchaBody{Payload: payload})

		rr = testutil.NewHTTPRequest(http.MethodPost, "/altcha/verify").WithJSON(body).Do(env.routes)
		if rr.Code != http.StatusOK {
			t.Fatalf("verify status = %d, body = %s", rr.Code, rr.Body.String())
		}
		rr = testutil.NewHTTPRequest(http.MethodPost, "/altcha/verify").WithJSON(body).Do(env.routes)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("replayed payload status = %d, want 400", rr.Code)
		}
	})
}

func TestGoogleEndpoints_NotConfigured(t *testing.T) {
	env := newTestEnv(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/auth/google/login").Do(env.routes)
	if rr.Code < http.StatusBadRequest {
		t.Errorf("login without a provider status = %d, want an error", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, "/auth/google/callback?error=access_denied").Do(env.routes)
	if rr.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != testFrontendURL+"/login?error=access_denied" {
		t.Errorf("Location = %q", loc)
	}
}
