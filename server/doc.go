// Package server implements the authorization server: the PKCE
// authorization step, the token service, two-factor management, federation
// with an external identity provider and the account operations built on them.
//
// The Server type is transport-agnostic. Every operation takes a context and
// the caller's origin address and returns either a result or an *Error whose
// Kind selects the HTTP status and OAuth error code.
//
// Single-use material (authorization codes, pending authorization requests,
// federation states, verification and reset tokens) lives in a
// storage.ChallengeStore under the SHA-256 hash of the token. Consumption is
// atomic, so of two concurrent redemptions exactly one wins, and a consumed
// entry stays visible long enough for reuse to be detected.
//
// Refresh tokens rotate on every use. A rotated token that is presented again
// revokes every refresh token of its identity.
//
// Example usage:
//
//	store := memory.New()
//	keys, _ := security.NewKeyManager()
//
//	srv, err := server.New(server.Stores{
//	    Identities:    store,
//	    Clients:       store,
//	    Scopes:        store,
//	    Consents:      store,
//	    RefreshTokens: store,
//	    Challenges:    store,
//	}, keys, nil, &server.Config{Issuer: "https://auth.example.com"}, logger)
//
//	result, err := srv.Authorize(ctx, req, identityID, clientIP)
//	tokens, err := srv.ExchangeAuthorizationCode(ctx, tokenReq, clientIP)
package server
