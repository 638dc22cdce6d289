// Package sqlstore implements every storage interface on top of GORM.
//
// Postgres is the production target; SQLite is supported for single-node
// deployments and tests. The schema is created with AutoMigrate on startup.
//
// Security-critical transitions are single conditional statements rather than
// read-modify-write sequences:
//
//   - RotateRefreshToken: UPDATE ... WHERE token_hash = ? AND revoked = false
//   - ConsumeChallenge:   UPDATE ... WHERE used = false AND expires_at > now
//   - ConsumeRecoveryCode: DELETE of one identity_recovery_codes row
//
// In each case RowsAffected decides the single winner.
package sqlstore
