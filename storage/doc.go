// Package storage defines the persistence contracts of the IAM server.
//
// Two families of state are kept apart:
//   - durable records (identities, clients, scopes, consents, refresh tokens, audit log)
//     behind IdentityStore, ClientStore, ScopeStore, ConsentStore, RefreshTokenStore and AuditStore
//   - short-lived single-use tokens (authorization codes, federation states, pending
//     authorization requests, verification tokens, ALTCHA replay entries) behind ChallengeStore
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage for development, tests and single-instance deployments
//   - storage/sqlstore: GORM repository for Postgres (production) and SQLite
//   - storage/valkey: Valkey-backed ChallengeStore shared between instances
package storage
