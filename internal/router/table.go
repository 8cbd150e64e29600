// Package router resolves inbound requests to route policies. A route
// is addressed by (method, path, version); paths support a single
// trailing wildcard segment and versions may be left open.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/util"
)

// wildcardSuffix marks a route path as a prefix match.
const wildcardSuffix = "/*"

// Table is the routing table. Lookups take a read lock; the table is
// replaced atomically on reload and mutated through the admin API.
type Table struct {
	mu        sync.RWMutex
	exact     map[routeKey]*config.RouteConfig
	wildcards []*wildcardRoute
}

type routeKey struct {
	method  string
	path    string
	version string
}

type wildcardRoute struct {
	method  string
	prefix  string
	version string
	route   *config.RouteConfig
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		exact: make(map[routeKey]*config.RouteConfig),
	}
}

// Load replaces the table contents with the given routes. Invalid or
// duplicate definitions fail the whole load, leaving the table
// untouched.
func (t *Table) Load(routes []config.RouteConfig) error {
	exact := make(map[routeKey]*config.RouteConfig, len(routes))
	var wildcards []*wildcardRoute

	for i := range routes {
		route := routes[i]
		if err := route.Validate(); err != nil {
			return util.NewConfigError("routes", err.Error())
		}

		if strings.HasSuffix(route.Path, wildcardSuffix) {
			prefix := strings.TrimSuffix(route.Path, wildcardSuffix)
			wildcards = append(wildcards, &wildcardRoute{
				method:  route.Method,
				prefix:  prefix,
				version: route.Version,
				route:   &route,
			})
			continue
		}

		key := routeKey{method: route.Method, path: route.Path, version: route.Version}
		if _, exists := exact[key]; exists {
			return util.NewConfigError("routes", "duplicate route "+route.Method+" "+route.Path)
		}
		exact[key] = &route
	}

	sortWildcards(wildcards)

	t.mu.Lock()
	t.exact = exact
	t.wildcards = wildcards
	t.mu.Unlock()

	return nil
}

// Add inserts one route into the live table.
func (t *Table) Add(route config.RouteConfig) error {
	if err := route.Validate(); err != nil {
		return util.NewConfigError("route", err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.HasSuffix(route.Path, wildcardSuffix) {
		prefix := strings.TrimSuffix(route.Path, wildcardSuffix)
		for _, w := range t.wildcards {
			if w.method == route.Method && w.prefix == prefix && w.version == route.Version {
				return util.NewConfigError("route", "duplicate route "+route.Method+" "+route.Path)
			}
		}
		t.wildcards = append(t.wildcards, &wildcardRoute{
			method:  route.Method,
			prefix:  prefix,
			version: route.Version,
			route:   &route,
		})
		sortWildcards(t.wildcards)
		return nil
	}

	key := routeKey{method: route.Method, path: route.Path, version: route.Version}
	if _, exists := t.exact[key]; exists {
		return util.NewConfigError("route", "duplicate route "+route.Method+" "+route.Path)
	}
	t.exact[key] = &route
	return nil
}

// Remove deletes a route from the live table, reporting whether it
// existed.
func (t *Table) Remove(method, path, version string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.HasSuffix(path, wildcardSuffix) {
		prefix := strings.TrimSuffix(path, wildcardSuffix)
		for i, w := range t.wildcards {
			if w.method == method && w.prefix == prefix && w.version == version {
				t.wildcards = append(t.wildcards[:i], t.wildcards[i+1:]...)
				return true
			}
		}
		return false
	}

	key := routeKey{method: method, path: path, version: version}
	if _, exists := t.exact[key]; !exists {
		return false
	}
	delete(t.exact, key)
	return true
}

// Resolve finds the route for a normalized path. Exact matches win over
// wildcard matches; within each, a version-specific route wins over a
// version-open one. Returns RouteNotFoundError when nothing matches.
func (t *Table) Resolve(method, path, version string) (*config.RouteConfig, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if route, ok := t.exact[routeKey{method: method, path: path, version: version}]; ok {
		return route, nil
	}
	if route, ok := t.exact[routeKey{method: method, path: path}]; ok {
		return route, nil
	}

	// Wildcards are ordered longest prefix first, version-specific
	// before version-open, so the first hit is the best match.
	for _, w := range t.wildcards {
		if w.method != method {
			continue
		}
		if w.version != "" && w.version != version {
			continue
		}
		if matchesPrefix(path, w.prefix) {
			return w.route, nil
		}
	}

	return nil, util.NewRouteNotFoundError(method, path, version)
}

// Routes returns a snapshot of all configured routes for inspection.
func (t *Table) Routes() []config.RouteConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]config.RouteConfig, 0, len(t.exact)+len(t.wildcards))
	for _, route := range t.exact {
		routes = append(routes, *route)
	}
	for _, w := range t.wildcards {
		routes = append(routes, *w.route)
	}

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		if routes[i].Method != routes[j].Method {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Version < routes[j].Version
	})

	return routes
}

// Len returns the number of configured routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exact) + len(t.wildcards)
}

// matchesPrefix reports whether path falls under prefix with at least
// one extra segment.
func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return len(rest) > 1 && rest[0] == '/'
}

func sortWildcards(wildcards []*wildcardRoute) {
	sort.SliceStable(wildcards, func(i, j int) bool {
		if len(wildcards[i].prefix) != len(wildcards[j].prefix) {
			return len(wildcards[i].prefix) > len(wildcards[j].prefix)
		}
		return wildcards[i].version > wildcards[j].version
	})
}
