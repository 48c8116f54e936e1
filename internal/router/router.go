// Package router resolves a request path to the first route, in declaration
// order, whose prefix covers it.
package router

import (
	"strings"

	"github.com/fabian4/edgeproxy/internal/config"
)

// Table is immutable once built and safe for concurrent use.
type Table struct {
	routes []config.Route
}

func New(routes []config.Route) *Table {
	rs := make([]config.Route, len(routes))
	copy(rs, routes)
	return &Table{routes: rs}
}

// Match returns the first route whose prefix matches path, or nil.
// Declaration order wins over specificity: "/" declared before "/api"
// shadows it.
func (t *Table) Match(path string) *config.Route {
	for i := range t.routes {
		if pathPrefixMatch(path, t.routes[i].Prefix) {
			return &t.routes[i]
		}
	}
	return nil
}

func (t *Table) Routes() []config.Route { return t.routes }

// pathPrefixMatch treats prefix as a path-segment prefix, not a raw string prefix.
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
