package routing

import (
	"fmt"
	"strings"
)

// Route maps a path pattern to a logical backend service.
type Route struct {
	Pattern      string
	Service      string
	RequiresAuth bool

	// Methods restricts the route to the listed HTTP methods when non-empty.
	Methods []string
}

// AllowsMethod reports whether the route accepts method. Routes without a
// method list accept every method.
func (r Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Table is the immutable route table. The zero value matches nothing.
type Table struct {
	routes      []Route
	publicPaths []string
}

// New validates routes and public path prefixes and builds a Table. It
// rejects empty or relative patterns, duplicate patterns, and pairs of
// equal-length patterns that can match the same path: the longest-pattern
// rule cannot order those, so the winner would depend on configuration order.
func New(routes []Route, publicPaths []string) (*Table, error) {
	for i, r := range routes {
		if r.Pattern == "" {
			return nil, fmt.Errorf("route %d: pattern is required", i)
		}
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("route %d: pattern %q must start with /", i, r.Pattern)
		}
		if strings.Contains(strings.TrimSuffix(r.Pattern, WildcardSuffix), "*") {
			return nil, fmt.Errorf("route %d: pattern %q may only use a trailing /** wildcard", i, r.Pattern)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("route %d: service is required", i)
		}
		for j := 0; j < i; j++ {
			prev := routes[j]
			if prev.Pattern == r.Pattern {
				return nil, fmt.Errorf("duplicate route pattern %q", r.Pattern)
			}
			if len(prev.Pattern) == len(r.Pattern) && overlaps(prev.Pattern, r.Pattern) {
				return nil, fmt.Errorf("route patterns %q and %q have equal length and overlap; make one more specific", prev.Pattern, r.Pattern)
			}
		}
	}
	for i, p := range publicPaths {
		if p == "" {
			return nil, fmt.Errorf("public path %d is empty", i)
		}
	}

	t := &Table{
		routes:      make([]Route, len(routes)),
		publicPaths: make([]string, len(publicPaths)),
	}
	copy(t.routes, routes)
	copy(t.publicPaths, publicPaths)
	for i := range t.routes {
		t.routes[i].Methods = append([]string(nil), routes[i].Methods...)
	}
	return t, nil
}

// Match returns the most specific route for path: among all routes whose
// pattern matches, the one with the longest pattern string.
func (t *Table) Match(path string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	best := -1
	for i, r := range t.routes {
		if !MatchesPattern(path, r.Pattern) {
			continue
		}
		if best < 0 || len(r.Pattern) > len(t.routes[best].Pattern) {
			best = i
		}
	}
	if best < 0 {
		return Route{}, false
	}
	return t.routes[best], true
}

// IsPublic reports whether path starts with any configured public prefix.
// This is a plain string prefix test, not pattern matching.
func (t *Table) IsPublic(path string) bool {
	if t == nil {
		return false
	}
	for _, p := range t.publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Routes returns a copy of the configured routes in configuration order.
func (t *Table) Routes() []Route {
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// PublicPaths returns a copy of the public path prefixes.
func (t *Table) PublicPaths() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.publicPaths...)
}

// Services returns the distinct logical service names referenced by the
// table, in first-seen order.
func (t *Table) Services() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool, len(t.routes))
	var out []string
	for _, r := range t.routes {
		if !seen[r.Service] {
			seen[r.Service] = true
			out = append(out, r.Service)
		}
	}
	return out
}
