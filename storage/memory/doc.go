// Package memory provides an in-memory implementation of the IAM storage interfaces.
//
// A single Store implements IdentityStore, ClientStore, ScopeStore, ConsentStore,
// RefreshTokenStore, AuditStore and ChallengeStore using maps guarded by a
// sync.RWMutex. It is suitable for development, testing, and single-instance
// deployments where persistence is not required.
//
// Features:
//   - Atomic check-and-mark for single-use challenges and refresh token rotation
//   - Background sweep of challenges past twice their TTL and of expired refresh tokens
//   - Injectable clock for deterministic tests
//
// For persistent deployments use storage/sqlstore, optionally combined with
// storage/valkey for challenges shared across instances.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
