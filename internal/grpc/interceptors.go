package grpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
	"github.com/vivars7/payload-sentinel/internal/inspector"
	"github.com/vivars7/payload-sentinel/internal/message"
	"github.com/vivars7/payload-sentinel/internal/router"
)

const (
	// grpcContentType is the content type recorded on inspected gRPC messages.
	grpcContentType = "application/grpc"
	healthPrefix    = "/grpc.health.v1.Health/"
)

// guard measures gRPC messages with the flow inspectors of the routed API.
type guard struct {
	router   *router.Router
	flows    FlowSource
	recorder Recorder
	logger   *slog.Logger
}

// PayloadUnaryInterceptor returns a unary server interceptor that inspects
// the decoded request's wire size against the inbound limit of the API that
// serves the method, and the response against the outbound limit.
func (g *guard) PayloadUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		target, err := g.route(info.FullMethod)
		if err != nil {
			return handler(ctx, req)
		}

		if err := g.check(ctx, target.APIName, inspector.FlowInbound, wireSize(req)); err != nil {
			g.record(target.APIName, info.FullMethod, err)
			return nil, err
		}
		resp, err := handler(ctx, req)
		if err == nil {
			err = g.check(ctx, target.APIName, inspector.FlowOutbound, wireSize(resp))
			if err != nil {
				resp = nil
			}
		}
		g.record(target.APIName, info.FullMethod, err)
		return resp, err
	}
}

// PayloadStreamInterceptor returns a stream server interceptor that inspects
// every message received from and sent to the client.
func (g *guard) PayloadStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		target, err := g.route(info.FullMethod)
		if err != nil {
			return handler(srv, ss)
		}
		err = handler(srv, &inspectedStream{ServerStream: ss, guard: g, api: target.APIName})
		g.record(target.APIName, info.FullMethod, err)
		return err
	}
}

// route resolves the API serving fullMethod. The health service is never routed.
func (g *guard) route(fullMethod string) (*router.RouteTarget, error) {
	if strings.HasPrefix(fullMethod, healthPrefix) {
		return nil, sentinelerrors.ErrNoRoute
	}
	return g.router.RouteGRPC(fullMethod)
}

// check runs the flow inspector over a message of size bytes and returns a
// gRPC status error when the message must not pass.
func (g *guard) check(ctx context.Context, api, direction string, size int) error {
	if g.flows == nil {
		return nil
	}
	flow, ok := g.flows.Flow(api, direction)
	if !ok {
		return nil
	}

	header := http.Header{}
	header.Set("Content-Type", grpcContentType)
	mc := message.FromHTTP(header, int64(size), nil)
	flow.Inspector.Mediate(ctx, mc)

	if f, faulted := mc.Fault(); faulted {
		return sentinelerrors.GRPCStatus(inspector.FaultError(f)).Err()
	}
	if !mc.PayloadTooLarge() {
		return nil
	}
	if flow.Enforce {
		g.recorder.RecordPolicyBlock(api, direction)
		se := sentinelerrors.ErrPayloadTooLarge
		if direction == inspector.FlowOutbound {
			se = sentinelerrors.ErrResponseTooLarge
		}
		return sentinelerrors.GRPCStatus(se).Err()
	}
	sizeMB, _ := mc.PayloadSizeMB()
	g.logger.WarnContext(ctx, "oversize gRPC message passed, enforcement disabled",
		"message_id", mc.ID,
		"api", api,
		"flow", direction,
		"size_mb", sizeMB,
	)
	return nil
}

func (g *guard) record(api, method string, err error) {
	g.recorder.RecordGRPCRequest(api, method, status.Code(err).String())
}

// wireSize returns the encoded size of a gRPC message.
func wireSize(m any) int {
	switch v := m.(type) {
	case *Frame:
		return len(v.payload)
	case proto.Message:
		return proto.Size(v)
	default:
		return 0
	}
}

// inspectedStream checks each message crossing the stream.
type inspectedStream struct {
	grpc.ServerStream
	guard *guard
	api   string
}

// RecvMsg receives a client message and inspects it.
func (s *inspectedStream) RecvMsg(m any) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	return s.guard.check(s.Context(), s.api, inspector.FlowInbound, wireSize(m))
}

// SendMsg inspects a server message before sending it.
func (s *inspectedStream) SendMsg(m any) error {
	if err := s.guard.check(s.Context(), s.api, inspector.FlowOutbound, wireSize(m)); err != nil {
		return err
	}
	return s.ServerStream.SendMsg(m)
}
