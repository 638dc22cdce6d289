// Package security holds the cryptographic and abuse-prevention building blocks
// of the IAM server. Nothing in here speaks HTTP routes or OAuth grants; the
// server package composes these pieces.
//
// # Credentials
//
// PasswordHasher hashes secrets with Argon2id and encodes the parameters in the
// PHC string format, so parameters can be raised later without invalidating
// existing hashes. ValidatePassword enforces the password policy at registration
// and reset time.
//
// # Signing Keys
//
// KeyManager owns the RSA-2048 key used to sign RS256 access and refresh tokens.
// The key ID is the RFC 7638 thumbprint and the public half is published through
// JWKS. Parse accepts a ClockSkewLeeway of five seconds on exp, iat and nbf.
//
// # Second Factor
//
// TOTPManager enrols and validates RFC 6238 codes (SHA1, 6 digits, 30 second
// period, one step of skew). Recovery codes are random, shown once and stored
// only as Argon2 hashes. Encryptor seals the TOTP seed at rest with AES-256-GCM,
// bound to the owning identity.
//
// # Proof of Work
//
// AltchaManager issues HMAC-signed ALTCHA challenges and verifies solutions. A
// verified solution is recorded in a storage.ChallengeStore so it cannot be
// replayed before it expires.
//
// # Abuse Prevention
//
// Two limiters guard the public endpoints:
//
//   - RequestThrottle is a per-IP token bucket applied before any work is done.
//   - AttemptLimiter counts failed logins per email and per IP over a fixed
//     window (5 and 20 per 15 minutes by default).
//
// Both bound memory with LRU eviction and sweep idle entries in the background.
// Call Stop when done.
//
// ClientIPResolver picks the origin key from RemoteAddr, or from forwarding
// headers when the server sits behind trusted proxies.
//
// # Audit
//
// Auditor writes security events as structured log lines, with email and
// identity IDs hashed, and appends them to a storage.AuditStore when one is
// configured. Event type names are the constants in events.go.
//
// # HTTP Helpers
//
// SecurityHeaders and RequestIDMiddleware are plain net/http middleware used by
// the root handler.
package security
