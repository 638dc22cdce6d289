package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver derives the client address recorded in audit events and used
// as the origin key for AttemptLimiter and RequestThrottle.
//
// Forwarding headers are only honoured when TrustProxy is set. X-Forwarded-For is
// read from the right: the last TrustedProxies entries were appended by our own
// proxies, so the entry just before them is the client.
type ClientIPResolver struct {
	TrustProxy     bool
	TrustedProxies int
}

// ClientIP returns the client address for r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip, ok := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ok {
			return ip
		}
		if ip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func (c ClientIPResolver) fromForwardedFor(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	hops := strings.Split(header, ",")

	proxies := c.TrustedProxies
	if proxies <= 0 {
		proxies = 1
	}
	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}
	return parseAddr(hops[idx])
}

// parseAddr validates and normalises an IP literal, dropping any IPv6 zone.
func parseAddr(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.WithZone("").Unmap().String(), true
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip, ok := parseAddr(host); ok {
		return ip
	}
	return host
}
