// Package server integrates all components into the payload-sentinel
// gateway: routing, payload inspection, the policy stage, upstream
// forwarding, health, metrics and the optional gRPC surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vivars7/payload-sentinel/internal/audit"
	"github.com/vivars7/payload-sentinel/internal/config"
	"github.com/vivars7/payload-sentinel/internal/ctxkeys"
	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	sentinelgrpc "github.com/vivars7/payload-sentinel/internal/grpc"
	"github.com/vivars7/payload-sentinel/internal/health"
	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/proxy"
	"github.com/vivars7/payload-sentinel/internal/router"
	"github.com/vivars7/payload-sentinel/internal/security"
)

// Server is the payload-sentinel gateway assembling all components.
type Server struct {
	cfg           *config.Config
	mu            sync.Mutex
	httpServer    *http.Server
	grpcServer    *sentinelgrpc.Server
	listener      net.Listener // if non-nil, Start uses this instead of creating one
	httpProxy     *proxy.HTTPProxy
	router        *router.Router
	flows         *inspector.AtomicRegistry
	healthHandler *health.Handler
	auditLogger   *audit.Logger
	metrics       *audit.Metrics
	logger        *slog.Logger
	level         *slog.LevelVar
	version       string
}

// New creates a new Server from configuration.
func New(cfg *config.Config, version string) (*Server, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Logging.Level))
	logger := buildLogger(cfg, level)

	metrics := audit.NewMetrics()
	metrics.SetBuildInfo(version, runtime.Version())

	reg, err := inspector.NewRegistry(cfg, logger, inspector.WithRecorder(metrics))
	if err != nil {
		return nil, fmt.Errorf("building inspectors: %w", err)
	}
	flows := inspector.NewAtomicRegistry(reg)
	rtr := router.NewRouter(cfg.APIs)

	auditLogger := audit.NewLogger(logger, audit.SamplingConfig{
		Rate:      cfg.Logging.Audit.SamplingRate,
		ErrorRate: cfg.Logging.Audit.ErrorSamplingRate,
	})

	httpProxy := proxy.NewHTTPProxy(proxy.Options{
		Upstream: cfg.Upstream,
		Flows:    flows,
		Recorder: metrics,
		Logger:   logger,
	})

	healthHandler := health.NewHandler(&health.SimpleReadinessChecker{
		APINamesFn: rtr.APINames,
		FlowsFn:    func() int { return flows.Load().Len() },
	}, version, cfg.Health.LivenessPath, cfg.Health.ReadinessPath)

	srv := &Server{
		cfg:           cfg,
		httpProxy:     httpProxy,
		router:        rtr,
		flows:         flows,
		healthHandler: healthHandler,
		auditLogger:   auditLogger,
		metrics:       metrics,
		logger:        logger,
		level:         level,
		version:       version,
	}

	if cfg.Listen.GRPCPort > 0 {
		srv.grpcServer = sentinelgrpc.NewServer(sentinelgrpc.Options{
			Router:   rtr,
			Flows:    flows,
			Recorder: metrics,
			Logger:   logger,
		})
		logger.Info("gRPC server configured", "port", cfg.Listen.GRPCPort)
	}

	return srv, nil
}

// Metrics returns the collector shared by all components.
func (s *Server) Metrics() *audit.Metrics {
	return s.metrics
}

// Logger returns the gateway logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// OnConfigReload applies the reloadable parts of newCfg: APIs, flow
// inspectors, log level and audit sampling. Inspectors are rebuilt as a
// whole; in-flight messages keep the inspector they started with.
func (s *Server) OnConfigReload(newCfg *config.Config) error {
	reg, err := inspector.NewRegistry(newCfg, s.logger, inspector.WithRecorder(s.metrics))
	if err != nil {
		return fmt.Errorf("rebuilding inspectors: %w", err)
	}
	s.flows.Store(reg)
	s.router.Update(newCfg.APIs)
	s.level.Set(parseLevel(newCfg.Logging.Level))
	s.auditLogger.SetSampling(audit.SamplingConfig{
		Rate:      newCfg.Logging.Audit.SamplingRate,
		ErrorRate: newCfg.Logging.Audit.ErrorSamplingRate,
	})

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()

	s.logger.Info("configuration applied", "apis", len(newCfg.APIs), "flows", reg.Len())
	return nil
}

// Start begins listening and serving. It blocks until the context is canceled
// or an unrecoverable error occurs.
func (s *Server) Start(ctx context.Context) error {
	handler := s.handler()

	listenAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listenAddr, err)
		}

		if s.cfg.Listen.MaxConnections > 0 {
			ln = newLimitedListener(ln, s.cfg.Listen.MaxConnections)
		}
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	tls := s.cfg.Listen.TLS
	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String(), "tls", tls.CertFile != "")
		if tls.CertFile != "" {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	if s.grpcServer != nil {
		grpcAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.GRPCPort)
		grpcLn, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("listening gRPC on %s: %w", grpcAddr, err)
		}
		go func() {
			errCh <- s.grpcServer.Serve(grpcLn)
		}()
	}

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.healthHandler.SetDraining(true)
			_ = srv.Close()
			if s.grpcServer != nil {
				s.grpcServer.Stop()
			}
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout.Duration)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// Shutdown performs graceful shutdown. Readiness fails from the first step.
func (s *Server) Shutdown(ctx context.Context) error {
	s.healthHandler.SetDraining(true)

	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return nil
}

// handler builds the complete HTTP handler: health and metrics endpoints
// bypass the pipeline, everything else is audited, inspected and forwarded.
func (s *Server) handler() http.Handler {
	forward := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := ctxkeys.RouteResultFrom(r.Context())
		if !ok {
			sentinelerrors.WriteHTTPError(w, sentinelerrors.ErrNoRoute)
			return
		}
		if err := s.httpProxy.Forward(w, r, route.APIName, route.UpstreamURL, route.Path); err != nil {
			s.logger.Warn("forwarding failed", "api", route.APIName, "error", err)
			if entry, ok := ctxkeys.AuditEntryFrom(r.Context()); ok && entry.Status == "" {
				entry.Status = "error"
			}
		}
	})

	mws := security.BuildPipeline(security.PipelineConfig{
		GlobalRateLimit: s.cfg.Listen.GlobalRateLimit,
		Router:          s.router,
		Flows:           s.flows,
		Recorder:        s.metrics,
		Logger:          s.logger,
	})
	for _, m := range mws {
		s.logger.Debug("pipeline stage", "name", m.Name())
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Health.LivenessPath, s.healthHandler)
	mux.Handle(s.cfg.Health.ReadinessPath, s.healthHandler)
	mux.Handle(s.cfg.Health.MetricsPath, s.metrics.Handler())
	mux.Handle("/", s.withAudit(security.ApplyPipeline(forward, mws)))
	return mux
}

// withAudit attaches an audit entry to the request and, once the pipeline
// returns, records request metrics and writes the audit record.
func (s *Server) withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := &ctxkeys.AuditEntry{
			TraceID:   traceID(r),
			Method:    r.Method,
			Path:      r.URL.Path,
			StartTime: time.Now(),
		}
		ctx := ctxkeys.WithAuditEntry(r.Context(), entry)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		s.finalizeAudit(ctx, entry, rec.status)
	})
}

func (s *Server) finalizeAudit(ctx context.Context, entry *ctxkeys.AuditEntry, status int) {
	if entry.Status == "" {
		entry.Status = "ok"
		if status >= http.StatusInternalServerError {
			entry.Status = "error"
		}
	}
	api := entry.API
	if api == "" {
		api = "unrouted"
	}
	s.metrics.RecordRequest(api, entry.Method, status)
	s.metrics.RecordLatency(api, entry.Method, float64(time.Since(entry.StartTime).Milliseconds()))
	s.auditLogger.LogRequest(ctx)
}

// traceID reuses an incoming X-Request-ID or generates one.
func traceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

// statusRecorder captures the status code written by the pipeline.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates an slog.Logger based on configuration. The level is
// read through level so reloads can change it.
func buildLogger(cfg *config.Config, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var output *os.File
	switch cfg.Logging.Output {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	var handler slog.Handler
	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// ── LimitedListener ──

// limitedListener wraps a net.Listener to limit maximum concurrent connections.
type limitedListener struct {
	net.Listener
	sem chan struct{}
}

func newLimitedListener(l net.Listener, maxConns int) net.Listener {
	return &limitedListener{
		Listener: l,
		sem:      make(chan struct{}, maxConns),
	}
}

// Accept waits for and returns the next connection, blocking if at limit.
func (l *limitedListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	c, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedConn{Conn: c, sem: l.sem}, nil
}

// limitedConn releases its semaphore slot once, on the first Close.
type limitedConn struct {
	net.Conn
	sem    chan struct{}
	closed sync.Once
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.closed.Do(func() { <-c.sem })
	return err
}
