// Package grpcapi exposes the lifecycle service as rackd.v1.Lifecycle.
//
// The service is described by hand over protobuf well-known types, so no
// generated code is needed to serve it or to call it.
package grpcapi

import (
	"context"
	"errors"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server implements LifecycleServer on top of a lifecycle.Service.
type Server struct {
	svc *lifecycle.Service
	log *zap.Logger
}

var _ LifecycleServer = (*Server)(nil)

// New creates a gRPC front for svc.
func New(svc *lifecycle.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, log: log}
}

// RegisterGRPC registers the gRPC handlers.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	RegisterLifecycleServer(gs, s)
}

// Ping handler (for connectivity test)
func (s *Server) Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String("pong from rackd"), nil
}

func (s *Server) CreateRack(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	r, err := s.svc.CreateRack(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return rackStruct(r), nil
}

func (s *Server) GetRack(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	r, err := s.svc.GetRack(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return rackStruct(r), nil
}

func (s *Server) ListRacks(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	racks, err := s.svc.ListRacks(ctx, models.ParseOrder(req.GetValue()))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return rackList(racks), nil
}

func (s *Server) DeleteRack(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if err := s.svc.DeleteRack(ctx, req.GetValue()); err != nil {
		return nil, s.toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) CreateServer(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	m, err := s.svc.CreateServer(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return serverStruct(m), nil
}

func (s *Server) GetServer(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	m, err := s.svc.GetServer(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return serverStruct(m), nil
}

func (s *Server) ListServers(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	servers, err := s.svc.ListServers(ctx, models.ParseOrder(req.GetValue()))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return serverList(servers), nil
}

func (s *Server) ChangeServerState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := int64Field(req, "id")
	if id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "id must be a positive integer")
	}
	state := req.GetFields()["state"].GetStringValue()
	if state == "" {
		return nil, status.Error(codes.InvalidArgument, "state required")
	}
	months := req.GetFields()["months"].GetNumberValue()
	if months < 0 || months > models.MaxMonths {
		return nil, status.Errorf(codes.InvalidArgument, "months must be between 0 and %d", models.MaxMonths)
	}
	m, err := s.svc.RequestStateChange(ctx, id, models.State(state), int(months))
	if err != nil {
		return nil, s.toStatus(err)
	}
	return serverStruct(m), nil
}

func (s *Server) DeleteServer(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	m, err := s.svc.DeleteServer(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return serverStruct(m), nil
}

// codeFor maps lifecycle errors onto gRPC codes.
func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, models.ErrRackNotFound), errors.Is(err, models.ErrServerNotFound):
		return codes.NotFound
	case errors.Is(err, models.ErrRackFull):
		return codes.ResourceExhausted
	case errors.Is(err, models.ErrRackNotEmpty), errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrCapacityBelowLoad):
		return codes.FailedPrecondition
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrInvalidCapacity):
		return codes.InvalidArgument
	case errors.Is(err, models.ErrActivationUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func (s *Server) toStatus(err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		s.log.Error("grpc request failed", zap.Error(err))
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// UnaryLogger logs every unary call at debug level, and failures with a
// server-side code at error level.
func UnaryLogger(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("took", time.Since(start)),
		}
		if code == codes.Internal || code == codes.Unavailable {
			log.Error("grpc call", fields...)
		} else {
			log.Debug("grpc call", fields...)
		}
		return resp, err
	}
}
