package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
)

// Logger writes one structured audit record per request.
type Logger struct {
	slogger  *slog.Logger
	sampling atomic.Pointer[SamplingConfig]
}

// NewLogger creates an audit logger with the given sampling configuration.
func NewLogger(slogger *slog.Logger, sampling SamplingConfig) *Logger {
	if slogger == nil {
		slogger = slog.Default()
	}
	l := &Logger{slogger: slogger}
	l.sampling.Store(&sampling)
	return l
}

// SetSampling replaces the sampling rates. Safe for concurrent use.
func (l *Logger) SetSampling(s SamplingConfig) {
	l.sampling.Store(&s)
}

// LogRequest logs the audit entry carried by ctx.
func (l *Logger) LogRequest(ctx context.Context) {
	entry, ok := ctxkeys.AuditEntryFrom(ctx)
	if !ok {
		return
	}

	if !l.sampling.Load().ShouldLog(entry.Status) {
		return
	}

	attrs := []slog.Attr{
		slog.String("trace_id", entry.TraceID),
		slog.Group("attributes",
			slog.String("http.method", entry.Method),
			slog.String("http.path", entry.Path),
			slog.String("gateway.api", entry.API),
			slog.String("gateway.status", entry.Status),
			slog.String("gateway.block_reason", entry.BlockReason),
			slog.Time("gateway.start_time", entry.StartTime),
			slog.Int64("gateway.duration_ms", time.Since(entry.StartTime).Milliseconds()),
		),
		slog.Group("payload",
			slog.Float64("request_mb", entry.RequestMB),
			slog.Bool("request_oversize", entry.RequestOver),
			slog.Float64("response_mb", entry.ResponseMB),
			slog.Bool("response_oversize", entry.ResponseOver),
		),
	}
	if entry.UpstreamStatus != 0 {
		attrs = append(attrs, slog.Int("upstream_status", entry.UpstreamStatus))
	}

	l.slogger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
