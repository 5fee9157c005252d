// Package origin compares browser origins. An Origin header carries only
// scheme, host and port, so configured values are reduced to that form
// before they are matched.
package origin

import (
	"net/url"
	"strings"
)

// Normalize reduces raw to scheme://host[:port], lowercased. Values that do
// not parse as an absolute URL are returned trimmed and unchanged, which
// keeps opaque origins such as "null" comparable.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// NormalizeAll applies Normalize to every entry and drops duplicates.
func NormalizeAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		n := Normalize(r)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Allowed reports whether candidate names one of the listed origins.
// An empty candidate never matches.
func Allowed(list []string, candidate string) bool {
	c := Normalize(candidate)
	if c == "" {
		return false
	}
	for _, o := range list {
		if Normalize(o) == c {
			return true
		}
	}
	return false
}
