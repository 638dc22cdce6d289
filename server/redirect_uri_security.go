package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/machinaear/iam/internal/helpers"
)

// RedirectURISecurityError is a redirect URI validation failure with an
// internal reason for operators and a generic message for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// BlockedSchemes are never accepted as redirect targets.
var BlockedSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

func redirectURIError(category, uri, reason string) *RedirectURISecurityError {
	return &RedirectURISecurityError{
		Category:      category,
		URI:           sanitizeURIForLogging(uri),
		Reason:        reason,
		ClientMessage: "redirect_uri is not allowed",
	}
}

// ValidateRedirectURIForRegistration checks a redirect URI prefix before it is
// stored on a client: no fragments, no script-capable schemes, no link-local
// or unspecified hosts, and https outside loopback when the issuer is https.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI, "unparseable or missing scheme")
	}
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return redirectURIError(RedirectURIErrorCategoryFragment, redirectURI, "fragment present")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, blocked := range BlockedSchemes {
		if scheme == blocked {
			return redirectURIError(RedirectURIErrorCategoryBlockedScheme, redirectURI, "blocked scheme "+scheme)
		}
	}

	if scheme != "http" && scheme != "https" {
		// Custom schemes of native apps carry no host to check.
		return nil
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, redirectURI, "missing host")
	}

	if class, ok := helpers.ClassifyHost(hostname); ok {
		switch class {
		case helpers.IPClassUnspecified:
			return redirectURIError(RedirectURIErrorCategoryUnspecifiedAddr, redirectURI, "unspecified address")
		case helpers.IPClassLinkLocal:
			return redirectURIError(RedirectURIErrorCategoryLinkLocal, redirectURI, "link-local address")
		}
	}

	if scheme == "http" && !isLocalhostHostname(hostname) && strings.HasPrefix(s.Config.Issuer, "https://") {
		return redirectURIError(RedirectURIErrorCategoryHTTPNotAllowed, redirectURI, "plain http on a non-loopback host")
	}
	return nil
}

// ValidateRedirectURIsForRegistration validates every URI and returns the first failure.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return redirectURIError(RedirectURIErrorCategoryInvalidFormat, "", "no redirect URIs")
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// redirectURIAllowed reports whether redirectURI starts with one of the
// registered prefixes. The prefix must end on a boundary of the requested URI
// so that "https://app.example.com" does not admit "https://app.example.com.evil.io".
func redirectURIAllowed(registered []string, redirectURI string) bool {
	if redirectURI == "" || strings.Contains(redirectURI, "#") {
		return false
	}
	if _, err := url.Parse(redirectURI); err != nil {
		return false
	}
	for _, prefix := range registered {
		if prefix == "" || !strings.HasPrefix(redirectURI, prefix) {
			continue
		}
		if len(redirectURI) == len(prefix) {
			return true
		}
		if strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, "?") {
			return true
		}
		switch redirectURI[len(prefix)] {
		case '/', '?', '&':
			return true
		}
	}
	return false
}

// appendQuery adds params to rawURL, keeping any query it already has.
func appendQuery(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sanitizeURIForLogging drops the query of uri so that no parameter values reach logs.
func sanitizeURIForLogging(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "[unparseable]"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}

// GetRedirectURIErrorCategory returns the category of a RedirectURISecurityError, or "".
func GetRedirectURIErrorCategory(err error) string {
	var e *RedirectURISecurityError
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// errRedirectNotAllowed is logged when a runtime redirect_uri matches no prefix.
func errRedirectNotAllowed(clientID, redirectURI string) error {
	return fmt.Errorf("redirect_uri %s not registered for client %s", sanitizeURIForLogging(redirectURI), clientID)
}
