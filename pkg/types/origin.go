package types

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// NormalizeOrigin reduces a page origin to scheme://host[:port].
// Scheme and host are lower-cased and default ports are dropped, so
// "HTTPS://DApp.Example:443" and "https://dapp.example" compare equal.
// Anything carrying a path, query, fragment or userinfo is rejected:
// an origin is never a URL.
func NormalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("origin is empty")
	}
	if raw == "null" {
		return "", fmt.Errorf("opaque origin is not allowed")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin %q must include scheme and host", raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("origin %q must not include userinfo", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin %q must not include a path, query or fragment", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if host == "" {
		return "", fmt.Errorf("origin %q has an empty host", raw)
	}
	if port != "" && defaultPorts[scheme] == port {
		port = ""
	}

	if port == "" {
		if strings.Contains(host, ":") {
			return scheme + "://[" + host + "]", nil
		}
		return scheme + "://" + host, nil
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}

// MustNormalizeOrigin is NormalizeOrigin for constants in tests and wiring
func MustNormalizeOrigin(raw string) string {
	origin, err := NormalizeOrigin(raw)
	if err != nil {
		panic(err)
	}
	return origin
}
