// Package security implements the mediation middleware pipeline that every
// proxied HTTP request passes through.
//
// Order: GlobalRateLimiter, RouteResolver, PayloadInspector, PayloadPolicy.
// The inspector only measures and flags; the policy stage is the one that
// rejects.
package security

import (
	"log/slog"
	"net/http"

	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/router"
)

// Middleware is a processing step in the pipeline.
type Middleware interface {
	Process(next http.Handler) http.Handler
	Name() string
}

// RouteSource resolves the upstream API for a request. *router.Router
// implements it.
type RouteSource interface {
	Route(r *http.Request) (*router.RouteTarget, error)
}

// FlowSource resolves the inspection setup for one API flow.
// *inspector.Registry implements it.
type FlowSource interface {
	Flow(api, direction string) (inspector.Flow, bool)
}

// Recorder receives pipeline outcomes. *audit.Metrics implements it.
type Recorder interface {
	RecordRateLimitHit(layer string)
	RecordPolicyBlock(api, flow string)
}

// PipelineConfig holds what the pipeline needs.
type PipelineConfig struct {
	GlobalRateLimit int // requests per minute; 0 disables the limiter
	Router          RouteSource
	Flows           FlowSource
	Recorder        Recorder
	Logger          *slog.Logger
}

// BuildPipeline constructs the ordered middleware chain.
func BuildPipeline(cfg PipelineConfig) []Middleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}

	var mws []Middleware
	if cfg.GlobalRateLimit > 0 {
		mws = append(mws, NewGlobalRateLimiter(cfg.GlobalRateLimit, cfg.Recorder))
	}
	mws = append(mws,
		NewRouteResolver(cfg.Router),
		NewPayloadInspector(cfg.Flows, cfg.Logger),
		NewPayloadPolicy(cfg.Flows, cfg.Recorder, cfg.Logger),
	)
	return mws
}

// ApplyPipeline wraps a handler with all middleware in order.
// Apply in reverse order so first middleware executes first.
func ApplyPipeline(handler http.Handler, middlewares []Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i].Process(handler)
	}
	return handler
}

// markAudit records a terminal status on the request's audit entry.
func markAudit(r *http.Request, status, reason string) {
	if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok {
		entry.Status = status
		entry.BlockReason = reason
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordRateLimitHit(string)        {}
func (nopRecorder) RecordPolicyBlock(string, string) {}
