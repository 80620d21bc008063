package grpccas

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"medscript.dev/mpaz/storage"
)

// Server exposes a storage.CAS as the vault service.
type Server struct {
	UnimplementedVaultServer
	CAS storage.CAS
}

// NewGRPCServer returns a gRPC server with the vault registered, sized for
// archives and logging each call to log.
func NewGRPCServer(cas storage.CAS, log zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageBytes),
		grpc.MaxSendMsgSize(MaxMessageBytes),
		grpc.ChainUnaryInterceptor(LogCalls(log)),
	}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterVaultServer(srv, &Server{CAS: cas})
	return srv
}

// LogCalls logs each unary call at debug level, and failures at warn.
func LogCalls(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if code := status.Code(err); code != codes.OK && code != codes.NotFound {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("vault call")
		return resp, err
	}
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "vault not configured")
	}
	id, err := s.CAS.Put(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := storage.Verify(id, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "vault not configured")
	}
	id, err := storage.ParseCID(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	b, err := s.CAS.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "vault not configured")
	}
	id, err := storage.ParseCID(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	ok, err := s.CAS.Has(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	l, ok := s.CAS.(storage.Lister)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "vault cannot list")
	}
	ids, err := l.List(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ids))}
	for _, id := range ids {
		out.Values = append(out.Values, structpb.NewStringValue(id.String()))
	}
	return out, nil
}
