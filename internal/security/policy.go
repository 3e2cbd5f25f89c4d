package security

import (
	"log/slog"
	"net/http"

	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	"github.com/vivars7/payload-sentinel/internal/inspector"
)

// PayloadPolicy acts on the inspector's verdict. With enforcement on, an
// oversize request is rejected with 413; otherwise it is logged and passed.
type PayloadPolicy struct {
	flows    FlowSource
	recorder Recorder
	logger   *slog.Logger
}

// NewPayloadPolicy creates the policy stage.
func NewPayloadPolicy(flows FlowSource, rec Recorder, logger *slog.Logger) *PayloadPolicy {
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadPolicy{flows: flows, recorder: rec, logger: logger}
}

// Process returns an http.Handler that enforces the payload size verdict.
func (p *PayloadPolicy) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc, ok := ctxkeys.MessageFrom(r.Context())
		if !ok || !mc.PayloadTooLarge() {
			next.ServeHTTP(w, r)
			return
		}
		route, _ := ctxkeys.RouteResultFrom(r.Context())

		var flow inspector.Flow
		if p.flows != nil {
			flow, _ = p.flows.Flow(route.APIName, inspector.FlowInbound)
		}
		sizeMB, _ := mc.PayloadSizeMB()

		if flow.Enforce {
			p.recorder.RecordPolicyBlock(route.APIName, inspector.FlowInbound)
			markAudit(r, "blocked", "payload_too_large")
			sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrPayloadTooLarge)
			return
		}

		p.logger.Warn("oversize payload forwarded, enforcement disabled",
			"message_id", mc.ID,
			"api", route.APIName,
			"size_mb", sizeMB,
		)
		markAudit(r, "oversize", "")
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name for logging and debugging.
func (p *PayloadPolicy) Name() string {
	return "payload_policy"
}
