package article

import (
	"net/url"
	"strings"

	"github.com/hpungsan/recast/internal/errors"
)

// CanonicalURL validates a source URL against the allowed domains and returns the
// cache key form: lowercased host, no fragment, no trailing whitespace.
func CanonicalURL(raw string, allowedDomains []string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.NewInvalidURL(raw, "url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.NewInvalidURL(raw, "url is not parseable")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.NewInvalidURL(raw, "scheme must be http or https")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.NewInvalidURL(raw, "host is required")
	}
	if !HostAllowed(host, allowedDomains) {
		return "", errors.NewInvalidURL(raw, "domain is not allowed")
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String(), nil
}

// HostAllowed reports whether host equals one of the domains or is a subdomain of one.
// An empty domain list allows nothing.
func HostAllowed(host string, domains []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
