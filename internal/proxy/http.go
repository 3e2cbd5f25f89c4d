// Package proxy forwards inspected requests to upstream APIs and runs the
// outbound payload inspector over their responses.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vivars7/payload-sentinel/internal/config"
	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/message"
)

// FlowSource resolves the inspection setup for one API flow.
type FlowSource interface {
	Flow(api, direction string) (inspector.Flow, bool)
}

// Recorder receives proxy outcomes. *audit.Metrics implements it.
type Recorder interface {
	RecordUpstreamLatency(api string, seconds float64)
	RecordPolicyBlock(api, flow string)
}

// Options configures an HTTPProxy.
type Options struct {
	Transport http.RoundTripper // nil uses NewHTTPTransport
	Upstream  config.UpstreamConfig
	Flows     FlowSource
	Recorder  Recorder
	Logger    *slog.Logger
}

// HTTPProxy forwards requests to upstream APIs.
// It uses a retrying client directly instead of httputil.ReverseProxy so the
// response can be inspected before anything is written to the client.
type HTTPProxy struct {
	client   *retryablehttp.Client
	flows    FlowSource
	recorder Recorder
	logger   *slog.Logger
}

// NewHTTPProxy creates a new HTTP proxy.
func NewHTTPProxy(opts Options) *HTTPProxy {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport(opts.Upstream.Timeout.Duration)
	}
	return &HTTPProxy{
		client:   newRetryClient(opts.Transport, opts.Upstream),
		flows:    opts.Flows,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
}

func newRetryClient(transport http.RoundTripper, up config.UpstreamConfig) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Transport: transport, Timeout: up.Timeout.Duration}
	c.RetryMax = up.RetryMax
	if up.RetryWaitMin.Duration > 0 {
		c.RetryWaitMin = up.RetryWaitMin.Duration
	}
	if up.RetryWaitMax.Duration > 0 {
		c.RetryWaitMax = up.RetryWaitMax.Duration
	}
	c.Logger = nil
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// Don't retry on context.Canceled or context.DeadlineExceeded
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp != nil {
			return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, nil
		}
		return err != nil, nil
	}
	// Hand the last upstream response to the client instead of an error.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// Forward proxies the request to the upstream of api.
// targetURL is the upstream base URL (e.g., "http://orders:8080").
// targetPath is the path to append (e.g., "/items/1").
func (p *HTTPProxy) Forward(w http.ResponseWriter, r *http.Request, api, targetURL, targetPath string) error {
	upstreamURL := targetURL + targetPath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Body != nil {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(r.Context(), r.Method, upstreamURL, body)
	if err != nil {
		sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrUpstreamUnavailable)
		return fmt.Errorf("creating upstream request: %w", err)
	}
	CopyHeadersFiltered(req.Header, r.Header)
	req.Header.Del("Content-Length")
	setForwardingHeaders(req.Header, r)

	start := time.Now()
	resp, err := p.client.Do(req)
	p.recorder.RecordUpstreamLatency(api, time.Since(start).Seconds())
	if err != nil {
		sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrUpstreamUnavailable)
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	entry, hasEntry := ctxkeys.AuditEntryFrom(r.Context())
	if hasEntry {
		entry.UpstreamStatus = resp.StatusCode
	}

	respBody := io.Reader(resp.Body)
	noBody := false
	if flow, ok := p.lookup(api); ok {
		mc := message.FromHTTP(resp.Header, resp.ContentLength, resp.Body)
		mc.Transport.Set(message.KeyHTTPStatusCode, resp.StatusCode)
		flow.Inspector.Mediate(r.Context(), mc)

		if fault, faulted := mc.Fault(); faulted {
			p.logger.Warn("upstream response rejected after inspection fault",
				"message_id", mc.ID,
				"api", api,
				"error", fault,
			)
			markAudit(entry, "error", "response_inspection_fault")
			sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrBadUpstreamResponse)
			return fault
		}
		if hasEntry {
			entry.ResponseMB, _ = mc.PayloadSizeMB()
			entry.ResponseOver = mc.PayloadTooLarge()
		}
		if mc.PayloadTooLarge() {
			if flow.Enforce {
				p.recorder.RecordPolicyBlock(api, inspector.FlowOutbound)
				markAudit(entry, "blocked", "response_too_large")
				sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrResponseTooLarge)
				return nil
			}
			markAudit(entry, "oversize", "")
		}
		noBody = mc.NoEntityBody()
		respBody = message.Body(mc, resp.Body)
	}

	CopyHeadersFiltered(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if noBody {
		return nil
	}
	if _, err := io.Copy(w, respBody); err != nil {
		p.logger.Debug("copying upstream response interrupted", "api", api, "error", err)
	}
	return nil
}

func (p *HTTPProxy) lookup(api string) (inspector.Flow, bool) {
	if p.flows == nil {
		return inspector.Flow{}, false
	}
	return p.flows.Flow(api, inspector.FlowOutbound)
}

func markAudit(entry *ctxkeys.AuditEntry, status, reason string) {
	if entry == nil {
		return
	}
	entry.Status = status
	entry.BlockReason = reason
}

type nopRecorder struct{}

func (nopRecorder) RecordUpstreamLatency(string, float64) {}
func (nopRecorder) RecordPolicyBlock(string, string)      {}
