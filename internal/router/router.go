// Package router maps incoming requests to configured upstream APIs.
// HTTP requests are matched on path prefix (longest prefix wins, with an
// optional default API); gRPC calls are matched on their service name.
package router

import (
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vivars7/payload-sentinel/internal/config"
)

// RouteTarget holds the routing decision for a single request.
type RouteTarget struct {
	APIName     string // name of the matched API
	UpstreamURL string // upstream base URL to proxy to
	Path        string // request path with the API prefix stripped
	IsDefault   bool   // true if fallback to the default API
}

// entry is one API in the routing table.
type entry struct {
	name        string
	prefix      string
	upstream    string
	grpcService string
}

// table is an immutable snapshot; entries are sorted by descending prefix length.
type table struct {
	entries []entry
	def     *entry
}

// Router routes incoming requests to upstream APIs. The table can be swapped
// at runtime with Update.
type Router struct {
	tbl atomic.Pointer[table]
}

// NewRouter creates a Router over the given APIs.
func NewRouter(apis []config.APIConfig) *Router {
	r := &Router{}
	r.Update(apis)
	return r
}

// Update replaces the routing table.
func (r *Router) Update(apis []config.APIConfig) {
	r.tbl.Store(buildTable(apis))
}

// Route determines which API should handle the request.
// It returns the routing target or ErrNoRoute.
func (r *Router) Route(req *http.Request) (*RouteTarget, error) {
	t := r.tbl.Load()
	path := req.URL.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	for _, e := range t.entries {
		if remaining, ok := matchPrefix(path, e.prefix); ok {
			return &RouteTarget{
				APIName:     e.name,
				UpstreamURL: e.upstream,
				Path:        remaining,
			}, nil
		}
	}
	return t.routeDefault(path)
}

// RouteGRPC returns the API whose grpc_service serves fullMethod
// ("/package.Service/Method"). Calls to unknown services fall back to the
// default API.
func (r *Router) RouteGRPC(fullMethod string) (*RouteTarget, error) {
	t := r.tbl.Load()
	service := grpcServiceName(fullMethod)
	for _, e := range t.entries {
		if e.grpcService != "" && e.grpcService == service {
			return &RouteTarget{APIName: e.name, UpstreamURL: e.upstream, Path: fullMethod}, nil
		}
	}
	return t.routeDefault(fullMethod)
}

// APINames returns the configured API names in routing order.
func (r *Router) APINames() []string {
	t := r.tbl.Load()
	names := make([]string, len(t.entries))
	for i, e := range t.entries {
		names[i] = e.name
	}
	return names
}

func buildTable(apis []config.APIConfig) *table {
	t := &table{entries: make([]entry, 0, len(apis))}
	for _, a := range apis {
		e := entry{
			name:        a.Name,
			prefix:      normalizePrefix(a.PathPrefix),
			upstream:    a.Upstream,
			grpcService: a.GRPCService,
		}
		t.entries = append(t.entries, e)
		if a.Default {
			def := e
			t.def = &def
		}
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].prefix) > len(t.entries[j].prefix)
	})
	return t
}
