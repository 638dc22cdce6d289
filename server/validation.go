package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/machinaear/iam/internal/helpers"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"

	// s256ChallengeLength is the base64url length of a SHA-256 digest
	s256ChallengeLength = 43
)

const (
	oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

	maxEmailLength    = 254
	maxUsernameLength = 100
)

// validateHTTPSEnforcement refuses a plain http issuer outside loopback
// unless AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		s.Logger.Warn("DEVELOPMENT WARNING: Running over HTTP on localhost",
			"issuer", s.Config.Issuer,
			"recommendation", "Use HTTPS outside local development",
			"learn_more", oauth21SecurityBestPracticesURL)
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: issuer must use HTTPS in production (got %s://%s); "+
				"set AllowInsecureHTTP=true only for isolated test environments",
			issuerURL.Scheme, hostname)
	}
	return nil
}

// isLocalhostHostname reports whether hostname is the local machine:
// localhost, 0.0.0.0, the 127.0.0.0/8 range or ::1.
func isLocalhostHostname(hostname string) bool {
	return hostname == "0.0.0.0" || helpers.IsLoopbackHostname(hostname)
}

// ComputeS256Challenge returns base64url(SHA256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// isPKCEChar reports whether ch is an unreserved character (RFC 7636 Section 4.1).
func isPKCEChar(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}

// validateCodeChallenge checks an S256 challenge presented at the authorization step.
func validateCodeChallenge(challenge, method string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("code_challenge_method must be S256")
	}
	if len(challenge) != s256ChallengeLength {
		return fmt.Errorf("code_challenge must be a base64url SHA-256 digest")
	}
	for _, ch := range challenge {
		if !isPKCEChar(ch) || ch == '.' || ch == '~' {
			return fmt.Errorf("code_challenge must be a base64url SHA-256 digest")
		}
	}
	return nil
}

// validatePKCE checks verifier against the stored S256 challenge in constant time.
func validatePKCE(challenge, method, verifier string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		if !isPKCEChar(ch) {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	computed := ComputeS256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// normalizeEmail lower-cases and trims an email address.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateEmail accepts a bare address (no display name) of sane length.
func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > maxEmailLength {
		return fmt.Errorf("email is too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return fmt.Errorf("email is invalid")
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || !strings.Contains(email[at+1:], ".") {
		return fmt.Errorf("email is invalid")
	}
	return nil
}

func validateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) > maxUsernameLength {
		return fmt.Errorf("username is too long")
	}
	return nil
}

// parseScope splits a space-delimited scope string, dropping duplicates.
func parseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
