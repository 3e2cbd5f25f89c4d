// Package grpc exposes the gateway over gRPC. Calls are relayed frame by
// frame to the upstream of the API whose grpc_service matches the method,
// and every message is measured by the same flow inspectors as HTTP bodies.
package grpc

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/router"
)

// FlowSource resolves the inspection setup for one API flow.
type FlowSource interface {
	Flow(api, direction string) (inspector.Flow, bool)
}

// Recorder receives gRPC outcomes. *audit.Metrics implements it.
type Recorder interface {
	RecordGRPCRequest(api, method, code string)
	RecordPolicyBlock(api, flow string)
}

// Options configures a Server.
type Options struct {
	Router   *router.Router
	Flows    FlowSource
	Recorder Recorder
	Logger   *slog.Logger
	// MaxMessageBytes caps received messages at the transport; 0 keeps the
	// grpc default.
	MaxMessageBytes int
	// DialOptions are appended when connecting to upstreams.
	DialOptions []grpc.DialOption
}

// Server is the gateway's gRPC surface.
type Server struct {
	router    *router.Router
	upstreams *upstreams
	health    *health.Server
	logger    *slog.Logger
	server    *grpc.Server
}

// NewServer creates a gRPC server with payload interceptors, the standard
// health service and transparent forwarding for every routed service.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	s := &Server{
		router:    opts.Router,
		upstreams: newUpstreams(opts.DialOptions),
		health:    health.NewServer(),
		logger:    opts.Logger,
	}
	g := &guard{
		router:   opts.Router,
		flows:    opts.Flows,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.ChainUnaryInterceptor(g.PayloadUnaryInterceptor()),
		grpc.ChainStreamInterceptor(g.PayloadStreamInterceptor()),
		grpc.UnknownServiceHandler(s.forward),
	}
	if opts.MaxMessageBytes > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(opts.MaxMessageBytes))
	}
	s.server = grpc.NewServer(serverOpts...)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// RegisterService hosts a service on the gateway itself. Its messages are
// inspected under the API whose grpc_service matches.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) {
	s.server.RegisterService(desc, impl)
}

// Serve starts the gRPC server on the given listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// GracefulStop marks the server as not serving, drains in-flight calls and
// closes upstream connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
	s.upstreams.closeAll()
}

// Stop closes every listener and connection at once without draining.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.Stop()
	s.upstreams.closeAll()
}

// Server returns the underlying grpc.Server for direct access if needed.
func (s *Server) Server() *grpc.Server {
	return s.server
}

type nopRecorder struct{}

func (nopRecorder) RecordGRPCRequest(string, string, string) {}
func (nopRecorder) RecordPolicyBlock(string, string)         {}
