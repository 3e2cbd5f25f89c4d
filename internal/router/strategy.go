package router

import (
	"strings"

	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
)

// routeDefault routes to the default API, keeping the original path.
func (t *table) routeDefault(originalPath string) (*RouteTarget, error) {
	if t.def == nil {
		return nil, sentinelerrors.ErrNoRoute
	}
	return &RouteTarget{
		APIName:     t.def.name,
		UpstreamURL: t.def.upstream,
		Path:        originalPath,
		IsDefault:   true,
	}, nil
}

// matchPrefix reports whether path falls under prefix on a segment boundary
// and returns the remainder, which always starts with "/".
// "/orders" matches "/orders" and "/orders/1" but not "/orders-archive".
func matchPrefix(path, prefix string) (string, bool) {
	if prefix == "/" {
		return path, true
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	switch {
	case rest == "":
		return "/", true
	case rest[0] == '/':
		return rest, true
	default:
		return "", false
	}
}

// normalizePrefix ensures a leading slash and drops a trailing one.
func normalizePrefix(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// grpcServiceName extracts "package.Service" from "/package.Service/Method".
func grpcServiceName(fullMethod string) string {
	s := strings.TrimPrefix(fullMethod, "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}
