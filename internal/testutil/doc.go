// Package testutil provides testing utilities and fixtures for the IAM server:
// a controllable clock, PKCE helpers, fixture identities and clients, and
// small HTTP request helpers.
package testutil
