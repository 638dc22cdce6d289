// Package iam is the HTTP transport of the IAM authorization server.
//
// Handler adapts server.Server to net/http. Routes mounts the OAuth 2.1
// endpoints (authorize, consent, token, revoke), the account endpoints
// (register, login, logout, email verification, password reset, two-factor),
// ALTCHA proof of work, Google federation, and the admin surface for
// identities, clients, scopes and audit events.
//
// Every request passes through the same chain, outermost first:
//
//	recoverPanics -> request ID -> security headers -> CORS -> mux
//
// Protected routes add Authenticate, which accepts a bearer access token
// from the Authorization header or the access token cookie, and Require,
// which gates on composable predicates such as HasAnyRole, HasScopes and
// IsSubject. Abuse-prone routes add a per-client token bucket.
//
// Errors are rendered by one function so that every failure produces the
// same JSON body and internal causes never reach the client.
package iam
