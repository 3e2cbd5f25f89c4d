package security

import (
	"log/slog"
	"net/http"

	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/message"
)

// PayloadInspector runs the inbound inspector of the routed API over the
// request body. It never rejects an oversize request; it only flags it. The
// body is reinstalled on the request so the upstream receives every byte.
type PayloadInspector struct {
	flows  FlowSource
	logger *slog.Logger
}

// NewPayloadInspector creates the inbound inspection stage.
func NewPayloadInspector(flows FlowSource, logger *slog.Logger) *PayloadInspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadInspector{flows: flows, logger: logger}
}

// Process returns an http.Handler that inspects the request payload.
func (p *PayloadInspector) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := ctxkeys.RouteResultFrom(r.Context())
		if !ok || p.flows == nil {
			next.ServeHTTP(w, r)
			return
		}
		flow, ok := p.flows.Flow(route.APIName, inspector.FlowInbound)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		mc := message.FromHTTP(r.Header, r.ContentLength, r.Body)
		flow.Inspector.Mediate(r.Context(), mc)

		entry, hasEntry := ctxkeys.AuditEntryFrom(r.Context())
		if hasEntry && entry.TraceID == "" {
			entry.TraceID = mc.ID
		}

		if fault, faulted := mc.Fault(); faulted {
			se := inspector.FaultError(fault)
			p.logger.Warn("request rejected after inspection fault",
				"message_id", mc.ID,
				"api", route.APIName,
				"status", se.Code,
			)
			markAudit(r, "error", "inspection_fault")
			sentinelerrors.WriteHTTPError(w, se)
			return
		}

		if hasEntry {
			entry.RequestMB, _ = mc.PayloadSizeMB()
			entry.RequestOver = mc.PayloadTooLarge()
		}

		r.Body = message.Body(mc, r.Body)
		if mc.NoEntityBody() {
			r.ContentLength = 0
		}
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithMessage(r.Context(), mc)))
	})
}

// Name returns the middleware name for logging and debugging.
func (p *PayloadInspector) Name() string {
	return "payload_inspector"
}
