// Package valkey provides a Valkey implementation of storage.ChallengeStore.
//
// Valkey is wire-compatible with Redis. Use this backend when more than one IAM
// replica serves traffic: authorization codes, federation states, pending
// authorization requests and the ALTCHA replay set must be visible to every
// replica, and a code consumed on one must be rejected on the others.
//
// Identities, clients and refresh tokens live in the SQL store; this package
// only holds short-lived single-use entries.
//
// # Key Schema
//
//	{prefix}challenge:{kind}:{key} -> HASH(payload, created_at, expires_at, used, used_at)
//
// Each key expires at twice the challenge TTL, so reuse of a consumed code is
// still detected for a while after the code itself expired.
//
// # Atomic Operations
//
// PutChallenge and ConsumeChallenge run as Lua scripts (EVALSHA with EVAL
// fallback). ConsumeChallenge has exactly one winner per key under concurrency.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "iam:",
//	})
package valkey
