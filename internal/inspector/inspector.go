// Package inspector implements the payload-size inspection stage of the
// mediation pipeline. It measures the body of an in-flight message, flags it
// when it exceeds the configured limit, and leaves the body readable from the
// first byte for every later stage. It never rejects a message itself; a
// separate policy stage acts on the verdict.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	"github.com/vivars7/payload-sentinel/internal/message"
	"github.com/vivars7/payload-sentinel/internal/replay"
	"github.com/vivars7/payload-sentinel/internal/sizing"
)

// FaultMessage is the diagnostic handed to the fault handler on any failure.
const FaultMessage = "Error while inspecting the payload size"

var errRebuild = errors.New("rebuilding message")

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultSizeLimit   = "10"
	DefaultProbeStatus = http.StatusAccepted
	notAvailable       = "not available"
)

// Fault reasons reported to the Recorder.
const (
	ReasonMalformedLength = "malformed_content_length"
	ReasonBodyRead        = "body_read"
	ReasonRebuild         = "rebuild"
	ReasonPanic           = "panic"
	ReasonOther           = "other"
)

// Config is the per-instance configuration. It is read once by New.
type Config struct {
	// SizeLimit is the inclusive limit in megabytes, as an integer string.
	SizeLimit string
	// APIName labels diagnostics.
	APIName string
	// FlowDirection labels diagnostics ("inbound" or "outbound").
	FlowDirection string
	// ProbeStatus is the HTTP status under which an empty-body probe runs.
	ProbeStatus int
}

// Recorder receives inspection outcomes. *audit.Metrics implements it.
type Recorder interface {
	RecordInspection(api, flow, method string, megabytes float64, oversize bool)
	RecordInspectionFault(api, flow, reason string)
}

// Option customizes an Inspector.
type Option func(*Inspector)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Inspector) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithBuilder sets the message builder invoked after a drain.
func WithBuilder(b message.Builder) Option {
	return func(i *Inspector) {
		if b != nil {
			i.builder = b
		}
	}
}

// WithFaultHandler sets the collaborator that receives failures.
func WithFaultHandler(h message.FaultHandler) Option {
	return func(i *Inspector) {
		if h != nil {
			i.faults = h
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(i *Inspector) {
		if r != nil {
			i.recorder = r
		}
	}
}

// Inspector is immutable after New and may be shared by concurrent messages.
type Inspector struct {
	apiName     string
	flow        string
	probeStatus int
	resolver    *sizing.Resolver
	builder     message.Builder
	faults      message.FaultHandler
	recorder    Recorder
	logger      *slog.Logger
}

// New validates cfg and returns an Inspector.
func New(cfg Config, opts ...Option) (*Inspector, error) {
	limit := strings.TrimSpace(cfg.SizeLimit)
	if limit == "" {
		limit = DefaultSizeLimit
	}
	limitMB, err := strconv.Atoi(limit)
	if err != nil {
		return nil, fmt.Errorf("size limit %q is not an integer: %w", cfg.SizeLimit, err)
	}
	if limitMB < 0 {
		return nil, fmt.Errorf("size limit must not be negative (got %d)", limitMB)
	}
	if int64(limitMB) > sizing.MaxLimitMB {
		return nil, fmt.Errorf("size limit must not exceed %d (got %d)", int64(sizing.MaxLimitMB), limitMB)
	}

	i := &Inspector{
		apiName:     orNotAvailable(cfg.APIName),
		flow:        orNotAvailable(cfg.FlowDirection),
		probeStatus: cfg.ProbeStatus,
		resolver:    sizing.NewResolver(limitMB),
		builder:     message.RelayBuilder{},
		faults:      message.FaultRecorder{},
		recorder:    nopRecorder{},
		logger:      slog.Default(),
	}
	if i.probeStatus == 0 {
		i.probeStatus = DefaultProbeStatus
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// LimitMB returns the configured size limit.
func (i *Inspector) LimitMB() int { return i.resolver.LimitMB() }

// APIName returns the diagnostics label.
func (i *Inspector) APIName() string { return i.apiName }

// FlowDirection returns the diagnostics label.
func (i *Inspector) FlowDirection() string { return i.flow }

// Mediate inspects one message. It always reports the message as handled;
// failures go to the fault handler and never escape to the pipeline.
func (i *Inspector) Mediate(ctx context.Context, mc *message.Context) (handled bool) {
	handled = true
	log := i.logger.With("message_id", mc.ID, "api", i.apiName, "flow", i.flow)
	log.DebugContext(ctx, "payload inspection started")

	defer func() {
		if p := recover(); p != nil {
			i.fail(ctx, log, mc, ReasonPanic, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := i.inspect(ctx, log, mc); err != nil {
		i.fail(ctx, log, mc, reasonFor(err), err)
	}
	return handled
}

func (i *Inspector) inspect(ctx context.Context, log *slog.Logger, mc *message.Context) error {
	contentType := mc.ContentType()
	if contentType == "" {
		log.DebugContext(ctx, "content type absent, marking message as built")
		mc.Transport.Set(message.KeyBuilderInvoked, true)
		return nil
	}
	log.DebugContext(ctx, "content type present",
		"content_type", contentType,
		"builder_invoked", mc.BuilderInvoked(),
	)

	if mc.BuilderInvoked() {
		log.DebugContext(ctx, "body already built by an earlier stage")
		return nil
	}
	pipe := mc.Pipe()
	if pipe == nil {
		log.DebugContext(ctx, "no pass-through pipe attached")
		return nil
	}

	in := pipe.InputStream()
	if sc, ok := mc.StatusCode(); ok && sc == i.probeStatus && in != nil {
		log.DebugContext(ctx, "probing for empty body", "status", sc)
		empty, rewound, err := probeEmpty(in)
		if err != nil {
			return err
		}
		if empty {
			log.DebugContext(ctx, "body stream ended on first read")
			mc.Transport.Set(message.KeyBuilderInvoked, true)
			mc.Transport.Set(message.KeyNoEntityBody, true)
			return nil
		}
		in = rewound
		if r, ok := pipe.(message.StreamReplacer); ok {
			r.SetInputStream(rewound)
		} else {
			mc.Transport.Set(message.KeyPipe, message.NewPipe(rewound))
		}
	}

	var res sizing.Result
	if declared, ok := mc.HeaderValue(message.HeaderContentLength); ok {
		log.DebugContext(ctx, "content length header present", "content_length", declared)
		r, err := i.resolver.FromContentLength(declared)
		if err != nil {
			return err
		}
		res = r
	} else {
		log.DebugContext(ctx, "content length header absent, draining body")
		r, rebuilt, err := i.resolver.Drain(in)
		if err != nil {
			return err
		}
		if err := i.builder.BuildMessage(mc, false, rebuilt); err != nil {
			return fmt.Errorf("%w: %w", errRebuild, err)
		}
		res = r
	}

	log.DebugContext(ctx, "payload measured",
		"method", string(res.Method),
		"size_mb", res.Megabytes,
		"bytes", res.Bytes,
	)
	i.recorder.RecordInspection(i.apiName, i.flow, string(res.Method), res.Megabytes, res.Oversize)
	mc.Transport.Set(message.KeyPayloadSizeMB, res.Megabytes)

	if res.Oversize {
		log.WarnContext(ctx, "payload size exceeds limit",
			"size_mb", res.Megabytes,
			"limit_mb", i.resolver.LimitMB(),
			"method", string(res.Method),
		)
		mc.Properties.Set(message.KeyPayloadTooLarge, true)
	}
	return nil
}

func (i *Inspector) fail(ctx context.Context, log *slog.Logger, mc *message.Context, reason string, err error) {
	log.ErrorContext(ctx, FaultMessage, "reason", reason, "error", err)
	i.recorder.RecordInspectionFault(i.apiName, i.flow, reason)
	i.faults.HandleFault(mc, FaultMessage, err)
}

// probeEmpty reads one byte through a replay.Reader. When the stream is not
// empty the returned reader is rewound to byte zero.
func probeEmpty(in io.Reader) (bool, io.Reader, error) {
	rd := replay.NewReader(in)
	defer rd.Close()

	if _, err := rd.ReadByte(); err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil, nil
		}
		return false, nil, fmt.Errorf("%w: %w", sizing.ErrBodyRead, err)
	}
	return false, rd, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, sizing.ErrMalformedContentLength):
		return ReasonMalformedLength
	case errors.Is(err, sizing.ErrBodyRead):
		return ReasonBodyRead
	case errors.Is(err, errRebuild):
		return ReasonRebuild
	default:
		return ReasonOther
	}
}

func orNotAvailable(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}

type nopRecorder struct{}

func (nopRecorder) RecordInspection(string, string, string, float64, bool) {}
func (nopRecorder) RecordInspectionFault(string, string, string)           {}

// FaultError maps an inspection fault to the error rendered to the client.
func FaultError(f *message.Fault) *sentinelerrors.SentinelError {
	if f == nil {
		return sentinelerrors.ErrInspectionFailed
	}
	switch reasonFor(f.Cause) {
	case ReasonMalformedLength:
		return sentinelerrors.ErrMalformedContentLength
	case ReasonBodyRead:
		return sentinelerrors.ErrBodyUnreadable
	default:
		return sentinelerrors.ErrInspectionFailed
	}
}
