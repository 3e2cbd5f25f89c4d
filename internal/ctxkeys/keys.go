// Package ctxkeys defines context keys for passing data through the request pipeline.
// All context keys are unexported to prevent collisions. Use the With*/From accessor pairs.
package ctxkeys

import (
	"context"
	"time"

	"github.com/vivars7/payload-sentinel/internal/message"
)

// ── Key types (unexported, collision-proof) ──

type auditEntryKey struct{}
type routeResultKey struct{}
type messageKey struct{}

// ── Data types ──

// AuditEntry holds audit log data accumulated during request processing.
type AuditEntry struct {
	TraceID     string
	Method      string // HTTP method or gRPC full method
	Path        string
	API         string
	Status      string // "ok", "blocked", "error"
	BlockReason string
	StartTime   time.Time
	// Payload inspection
	RequestMB      float64
	RequestOver    bool
	ResponseMB     float64
	ResponseOver   bool
	UpstreamStatus int
}

// RouteResult holds the routing decision for a request.
type RouteResult struct {
	APIName     string
	UpstreamURL string
	Path        string // request path with the API prefix stripped
	IsDefault   bool
}

// ── Getter/Setter (With*/From pattern) ──

// WithAuditEntry stores an AuditEntry pointer in the context.
func WithAuditEntry(ctx context.Context, entry *AuditEntry) context.Context {
	return context.WithValue(ctx, auditEntryKey{}, entry)
}

// AuditEntryFrom retrieves the AuditEntry pointer from the context.
func AuditEntryFrom(ctx context.Context) (*AuditEntry, bool) {
	entry, ok := ctx.Value(auditEntryKey{}).(*AuditEntry)
	return entry, ok
}

// WithRouteResult stores RouteResult in the context.
func WithRouteResult(ctx context.Context, result RouteResult) context.Context {
	return context.WithValue(ctx, routeResultKey{}, result)
}

// RouteResultFrom retrieves RouteResult from the context.
func RouteResultFrom(ctx context.Context) (RouteResult, bool) {
	result, ok := ctx.Value(routeResultKey{}).(RouteResult)
	return result, ok
}

// WithMessage stores the inbound message context.
func WithMessage(ctx context.Context, mc *message.Context) context.Context {
	return context.WithValue(ctx, messageKey{}, mc)
}

// MessageFrom retrieves the inbound message context.
func MessageFrom(ctx context.Context) (*message.Context, bool) {
	mc, ok := ctx.Value(messageKey{}).(*message.Context)
	return mc, ok && mc != nil
}
