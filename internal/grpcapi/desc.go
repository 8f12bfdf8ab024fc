package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rackd.v1.Lifecycle"

// LifecycleServer is the server side of rackd.v1.Lifecycle. Requests and
// responses are protobuf well-known types; entities travel as Struct values
// with the same field names as the HTTP API.
type LifecycleServer interface {
	Ping(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)

	// CreateRack takes the capacity.
	CreateRack(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	GetRack(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	// ListRacks takes the sort_by value.
	ListRacks(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	DeleteRack(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)

	// CreateServer takes the rack id.
	CreateServer(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	GetServer(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	ListServers(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	// ChangeServerState takes {id, state, months}.
	ChangeServerState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteServer(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LifecycleServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", LifecycleServer.Ping),
		unary("CreateRack", LifecycleServer.CreateRack),
		unary("GetRack", LifecycleServer.GetRack),
		unary("ListRacks", LifecycleServer.ListRacks),
		unary("DeleteRack", LifecycleServer.DeleteRack),
		unary("CreateServer", LifecycleServer.CreateServer),
		unary("GetServer", LifecycleServer.GetServer),
		unary("ListServers", LifecycleServer.ListServers),
		unary("ChangeServerState", LifecycleServer.ChangeServerState),
		unary("DeleteServer", LifecycleServer.DeleteServer),
	},
	Metadata: "rackd/v1/lifecycle.proto",
}

// RegisterLifecycleServer registers srv on s.
func RegisterLifecycleServer(s grpc.ServiceRegistrar, srv LifecycleServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor that protoc-gen-go-grpc would generate
// for one unary method.
func unary[Req any, Resp any](method string, call func(LifecycleServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LifecycleServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LifecycleServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
