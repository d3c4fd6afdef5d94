// Package routing holds the gateway route table: the ordered set of
// path-pattern to logical-service mappings and the public path prefixes that
// bypass authentication. A Table is built once at startup and is read-only
// afterwards, so it is shared by all request goroutines without locking.
package routing

import "strings"

// WildcardSuffix marks a pattern that matches a whole path subtree.
const WildcardSuffix = "/**"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// basePrefix reduces a route pattern to the prefix MatchesPrefix is applied
// with. "/api/accounts/**" becomes "/api/accounts" so that both the
// directory itself and everything below it match, while "/api/accountsX"
// does not. "/**" covers every path.
func basePrefix(pattern string) string {
	if strings.HasSuffix(pattern, WildcardSuffix) {
		base := strings.TrimSuffix(pattern, WildcardSuffix)
		if base == "" {
			return "/"
		}
		return base
	}
	return pattern
}

// MatchesPattern reports whether path is covered by a route pattern.
func MatchesPattern(path, pattern string) bool {
	return MatchesPrefix(path, basePrefix(pattern))
}

// overlaps reports whether some request path would match both patterns.
// Every pattern matches a path subtree, and two subtrees intersect only when
// the root of one lies inside the other.
func overlaps(a, b string) bool {
	pa, pb := basePrefix(a), basePrefix(b)
	return MatchesPrefix(pa, pb) || MatchesPrefix(pb, pa)
}
