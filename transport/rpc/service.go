// Package rpc carries mediator traffic over gRPC: a request is one unary
// call to a destination, a notification is a one-way call to every
// destination of its channel.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "mediator.v1.Mediator"

	DispatchMethod = "/" + ServiceName + "/Dispatch"
	NotifyMethod   = "/" + ServiceName + "/Notify"
)

// MediatorServer is the server side of mediator.v1.Mediator. Payloads are
// JSON-encoded envelopes carried in a BytesValue.
type MediatorServer interface {
	Dispatch(ctx context.Context, request *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Notify(ctx context.Context, notification *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MediatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
		{MethodName: "Notify", Handler: notifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mediator/v1/mediator.proto",
}

// RegisterMediatorServer attaches srv to s.
func RegisterMediatorServer(s grpc.ServiceRegistrar, srv MediatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(MediatorServer).Dispatch(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DispatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MediatorServer).Dispatch(ctx, req.(*wrapperspb.BytesValue))
	}

	return interceptor(ctx, in, info, handler)
}

func notifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(MediatorServer).Notify(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: NotifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MediatorServer).Notify(ctx, req.(*wrapperspb.BytesValue))
	}

	return interceptor(ctx, in, info, handler)
}
