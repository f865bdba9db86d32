package storage

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateTargetURL checks a webhook destination before it is accepted.
// With allowInsecure false (any non-development deployment) the URL must
// use HTTPS and must not point at loopback, private, or link-local
// address space; attacker-controlled webhook URLs are otherwise a pivot
// into the internal network.
func ValidateTargetURL(raw string, allowInsecure bool) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	if allowInsecure {
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("url must use https")
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("url must not target localhost")
	}
	if ip := net.ParseIP(host); ip != nil && isInternalIP(ip) {
		return fmt.Errorf("url must not target a private or loopback address")
	}
	return nil
}

func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
