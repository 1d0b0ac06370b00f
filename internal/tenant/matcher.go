package tenant

import "strings"

// PrefixMatcher matches URL paths against a prefix on segment boundaries,
// so "/api/app1" matches "/api/app1" and "/api/app1/items" but not
// "/api/app10".
type PrefixMatcher struct {
	prefix string
}

// NewPrefixMatcher creates a new prefix path matcher.
func NewPrefixMatcher(prefix string) *PrefixMatcher {
	return &PrefixMatcher{prefix: prefix}
}

// Match reports whether path falls under the prefix.
func (m *PrefixMatcher) Match(path string) bool {
	return MatchPrefix(m.prefix, path)
}

// Prefix returns the prefix.
func (m *PrefixMatcher) Prefix() string {
	return m.prefix
}

// MatchPrefix reports whether path falls under prefix on a segment boundary.
func MatchPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
