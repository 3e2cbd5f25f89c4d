package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	sentinelerrors "github.com/vivars7/payload-sentinel/internal/errors"
)

// Frame is an opaque gRPC message forwarded without decoding.
type Frame struct {
	payload []byte
}

// frameCodec passes Frames through untouched and encodes everything else as
// protobuf, so hosted services (health) keep working under the forced codec.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		return m.payload, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("frame codec: unsupported message type %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Frame:
		m.payload = append(m.payload[:0], data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("frame codec: unsupported message type %T", v)
	}
}

func (frameCodec) Name() string { return "proto" }

var clientStreamDesc = &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}

// upstreams keeps one client connection per upstream target.
type upstreams struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

func newUpstreams(opts []grpc.DialOption) *upstreams {
	return &upstreams{conns: make(map[string]*grpc.ClientConn), opts: opts}
}

func (u *upstreams) get(upstreamURL string) (*grpc.ClientConn, error) {
	target, secure, err := grpcTarget(upstreamURL)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if cc, ok := u.conns[target]; ok {
		return cc, nil
	}
	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, u.opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing upstream %s: %w", target, err)
	}
	u.conns[target] = cc
	return cc, nil
}

func (u *upstreams) closeAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for target, cc := range u.conns {
		cc.Close()
		delete(u.conns, target)
	}
}

// grpcTarget converts an upstream URL to a dial target.
func grpcTarget(upstreamURL string) (target string, secure bool, err error) {
	u, err := url.Parse(upstreamURL)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid upstream URL %q", upstreamURL)
	}
	secure = u.Scheme == "https"
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return "passthrough:///" + host, secure, nil
}

// forward is the unknown-service handler: it relays the call to the upstream
// of the API that serves the method, frame by frame.
func (s *Server) forward(_ any, ss grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(ss)
	if !ok {
		return status.Error(codes.Internal, "method missing from stream")
	}
	target, err := s.router.RouteGRPC(fullMethod)
	if err != nil {
		return sentinelerrors.GRPCStatus(sentinelerrors.ErrNoRoute).Err()
	}
	cc, err := s.upstreams.get(target.UpstreamURL)
	if err != nil {
		s.logger.Warn("gRPC upstream unavailable", "api", target.APIName, "error", err)
		return sentinelerrors.GRPCStatus(sentinelerrors.ErrUpstreamUnavailable).Err()
	}

	ctx, cancel := context.WithCancel(ss.Context())
	defer cancel()
	md, _ := metadata.FromIncomingContext(ctx)
	outCtx := metadata.NewOutgoingContext(ctx, md.Copy())

	cs, err := cc.NewStream(outCtx, clientStreamDesc, fullMethod, grpc.ForceCodec(frameCodec{}))
	if err != nil {
		return err
	}

	toUpstream := pumpToUpstream(ss, cs)
	toClient := pumpToClient(cs, ss)
	for i := 0; i < 2; i++ {
		select {
		case err := <-toUpstream:
			if errors.Is(err, io.EOF) {
				// Client finished sending; wait for the upstream to finish.
				cs.CloseSend()
				continue
			}
			cancel()
			return err
		case err := <-toClient:
			ss.SetTrailer(cs.Trailer())
			if !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}
	}
	return status.Error(codes.Internal, "gRPC forwarding ended unexpectedly")
}

// pumpToUpstream copies client messages to the upstream. It sends io.EOF
// when the client half-closes.
func pumpToUpstream(src grpc.ServerStream, dst grpc.ClientStream) <-chan error {
	ret := make(chan error, 1)
	go func() {
		for {
			f := &Frame{}
			if err := src.RecvMsg(f); err != nil {
				ret <- err
				return
			}
			if err := dst.SendMsg(f); err != nil {
				ret <- err
				return
			}
		}
	}()
	return ret
}

// pumpToClient copies upstream messages to the client, relaying the header
// before the first message.
func pumpToClient(src grpc.ClientStream, dst grpc.ServerStream) <-chan error {
	ret := make(chan error, 1)
	go func() {
		first := true
		for {
			f := &Frame{}
			if err := src.RecvMsg(f); err != nil {
				if first {
					if md, herr := src.Header(); herr == nil {
						dst.SetHeader(md)
					}
				}
				ret <- err
				return
			}
			if first {
				first = false
				md, err := src.Header()
				if err != nil {
					ret <- err
					return
				}
				if err := dst.SendHeader(md); err != nil {
					ret <- err
					return
				}
			}
			if err := dst.SendMsg(f); err != nil {
				ret <- err
				return
			}
		}
	}()
	return ret
}
