package scrape

import (
	"fmt"
	"net/url"
	"strings"
)

// DomainKey normalizes a URL to the scheme://host key that partitions rate
// limiter, robots cache, and circuit breaker state. Scheme and host are
// lowercased; an explicit port is preserved, so example.com and
// example.com:8080 pace independently.
func DomainKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", rawURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// Host extracts the lowercased host portion of a domain key for event and
// metric labels.
func Host(domainKey string) string {
	if i := strings.Index(domainKey, "://"); i >= 0 {
		return domainKey[i+3:]
	}
	return domainKey
}
