package recipe

import (
	"net/url"
	"strings"
)

// Specificity scores returned by MatchScore.
const (
	NoMatch        = 0
	MatchUniversal = 1
	MatchWildcard  = 2
	MatchExact     = 3
)

// MatchScore reports how specifically pattern applies to siteURL:
// MatchExact for an equal hostname, MatchWildcard for "*.suffix" covering
// the host, MatchUniversal for "*", NoMatch otherwise.
//
// Both sides may be written as bare hostnames or full URLs. Hostnames are
// compared case-insensitively and a leading "www." is ignored.
func MatchScore(pattern, siteURL string) int {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return NoMatch
	}
	if pattern == "*" {
		return MatchUniversal
	}

	host := Hostname(siteURL)
	if host == "" {
		return NoMatch
	}

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		suffix = Hostname(suffix)
		if suffix == "" {
			return NoMatch
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return MatchWildcard
		}
		return NoMatch
	}

	if Hostname(pattern) == host {
		return MatchExact
	}
	return NoMatch
}

// Matches reports whether pattern applies to siteURL at all.
func Matches(pattern, siteURL string) bool {
	return MatchScore(pattern, siteURL) > NoMatch
}

// Hostname extracts the lowercase hostname from a URL or bare host, without
// port or leading "www.".
func Hostname(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
