package helpers

import "strings"

// SafeTruncate returns at most maxLen bytes of s. Tokens, codes and storage
// keys are logged through it so only a prefix ever reaches the logs.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so the issuer and frontend URLs can be
// joined with absolute paths.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}
