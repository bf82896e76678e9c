// Package remote exposes a Backend over gRPC and consumes one as a client, so
// sandboxes can live on a different host from the broker.
package remote

import (
	"context"

	"github.com/sameehj/aegix/pkg/backend"
	"github.com/sameehj/aegix/pkg/types"
	"google.golang.org/grpc"
)

const ServiceName = "aegix.sandbox.v1.Sandbox"

const (
	methodAcquire = "/" + ServiceName + "/Acquire"
	methodExecute = "/" + ServiceName + "/Execute"
	methodRelease = "/" + ServiceName + "/Release"
)

type AcquireRequest struct {
	Spec backend.Spec `json:"spec"`
}

type AcquireResponse struct {
	InstanceID string `json:"instance_id"`
}

type ExecuteRequest struct {
	InstanceID string          `json:"instance_id"`
	Command    backend.Command `json:"command"`
}

type ExecuteResponse struct {
	Result types.ExecutionResult `json:"result"`
}

type ReleaseRequest struct {
	InstanceID string `json:"instance_id"`
}

type ReleaseResponse struct{}

// sandboxService is the handler contract registered with grpc.
type sandboxService interface {
	acquire(context.Context, *AcquireRequest) (*AcquireResponse, error)
	execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*sandboxService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: acquireHandler},
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Release", Handler: releaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aegix/sandbox/v1",
}

func acquireHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AcquireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxService).acquire(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAcquire}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxService).acquire(ctx, req.(*AcquireRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxService).execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxService).execute(ctx, req.(*ExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxService).release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRelease}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(sandboxService).release(ctx, req.(*ReleaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}
