package security

import (
	"errors"
	"net/http"

	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
)

// RouteResolver matches the request to a configured API and stores the
// decision in the request context for later stages.
type RouteResolver struct {
	router RouteSource
}

// NewRouteResolver creates the routing stage.
func NewRouteResolver(rs RouteSource) *RouteResolver {
	return &RouteResolver{router: rs}
}

// Process returns an http.Handler that resolves the route or responds 404.
func (m *RouteResolver) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.router == nil {
			markAudit(r, "blocked", "no_route")
			sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrNoRoute)
			return
		}
		target, err := m.router.Route(r)
		if err != nil {
			var se *sentinelerrors.SentinelError
			if !errors.As(err, &se) {
				se = sentinelerrors.ErrNoRoute
			}
			markAudit(r, "blocked", "no_route")
			sentinelerrors.WriteHTTPError(w, se)
			return
		}

		if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
			entry.API = target.APIName
		}
		ctx := ctxkeys.WithRouteResult(r.Context(), ctxkeys.RouteResult{
			APIName:     target.APIName,
			UpstreamURL: target.UpstreamURL,
			Path:        target.Path,
			IsDefault:   target.IsDefault,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Name returns the middleware name for logging and debugging.
func (m *RouteResolver) Name() string {
	return "route_resolver"
}
