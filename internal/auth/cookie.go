package auth

import (
	"net"
	"net/url"
	"strings"
)

// CookieDomainFromIssuer derives a cookie domain from the issuer URL. Hosts
// where a Domain attribute would be rejected or unsafe yield "".
func CookieDomainFromIssuer(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case host == "", host == "localhost", strings.HasSuffix(host, ".localhost"):
		return ""
	case net.ParseIP(host) != nil:
		return ""
	case strings.Contains(host, ".ngrok"), strings.HasSuffix(host, ".trycloudflare.com"):
		// Shared tunnel suffixes are public suffixes; scope to the exact host.
		return ""
	}
	return host
}
