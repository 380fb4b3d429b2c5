package harvest

import (
	"net/url"
	"strings"
)

var xDomains = []string{"x.com", "twitter.com"}

// IsXDomain reports whether domain is x.com, twitter.com or a subdomain of either.
func IsXDomain(domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
	for _, d := range xDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// MatchDomain reports whether domain equals pattern or is a subdomain of it.
// A pattern of "*" matches everything.
func MatchDomain(pattern, domain string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "www.")
	if pattern == "*" {
		return true
	}
	pattern = strings.TrimPrefix(pattern, "*.")
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

var youTubeHosts = []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}

// IsYouTubeURL reports whether raw points at a YouTube host.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, h := range youTubeHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
