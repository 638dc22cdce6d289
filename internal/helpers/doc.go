// Package helpers holds small functions shared by the server, storage and
// transport packages: log-safe truncation of secrets, URL normalization and
// IP address classification for redirect URI checks.
package helpers
