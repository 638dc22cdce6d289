package helpers

import (
	"net"
	"strings"
)

// IPClass is the classification of a literal IP host in a redirect URI.
type IPClass int

const (
	IPClassPublic IPClass = iota
	IPClassLoopback
	IPClassPrivate
	IPClassLinkLocal
	IPClassUnspecified
)

func (c IPClass) String() string {
	switch c {
	case IPClassPublic:
		return "public"
	case IPClassLoopback:
		return "loopback"
	case IPClassPrivate:
		return "private"
	case IPClassLinkLocal:
		return "link_local"
	case IPClassUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP classifies ip. A nil ip is unspecified.
//
// Link-local covers 169.254.0.0/16 (cloud metadata endpoints), fe80::/10 and
// link-local multicast. Private covers RFC 1918 and fc00::/7.
func ClassifyIP(ip net.IP) IPClass {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassUnspecified
	case ip.IsLoopback():
		return IPClassLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassLinkLocal
	case ip.IsPrivate():
		return IPClassPrivate
	default:
		return IPClassPublic
	}
}

// ClassifyHost classifies a URL hostname. ok is false when host is a name
// rather than an IP literal. IPv6 brackets are accepted.
func ClassifyHost(host string) (class IPClass, ok bool) {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return IPClassPublic, false
	}
	return ClassifyIP(ip), true
}

// IsLoopbackHostname reports whether hostname is "localhost", an address in
// 127.0.0.0/8 or ::1. 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	class, ok := ClassifyHost(hostname)
	return ok && class == IPClassLoopback
}
