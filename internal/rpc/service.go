package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

const (
	serviceName    = "nova.dispatch.NovaService"
	methodInvoke   = "/" + serviceName + "/Invoke"
	contentSubtype = codecName
)

// InvokeRequest is the wire shape of a remote invocation call.
type InvokeRequest struct {
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// InvokeResponse is the wire shape of a remote invocation result, mirroring
// domain.InvokeResponse.
type InvokeResponse struct {
	RequestId  string          `json:"request_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	ColdStart  bool            `json:"cold_start"`
}

// NovaServiceClient is the client-side stub for the remote dispatcher
// service, hand-written in place of protoc-gen-go-grpc output.
type NovaServiceClient interface {
	Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error)
}

type novaServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewNovaServiceClient wraps a dialed connection as a NovaServiceClient.
func NewNovaServiceClient(cc grpc.ClientConnInterface) NovaServiceClient {
	return &novaServiceClient{cc: cc}
}

func (c *novaServiceClient) Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(contentSubtype)}, opts...)
	out := new(InvokeResponse)
	if err := c.cc.Invoke(ctx, methodInvoke, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// NovaServiceServer is the server-side contract a dispatcher node must
// satisfy to accept remote invocations.
type NovaServiceServer interface {
	Invoke(ctx context.Context, in *InvokeRequest) (*InvokeResponse, error)
}

func novaServiceInvokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NovaServiceServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvoke}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NovaServiceServer).Invoke(ctx, req.(*InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for NovaService, equivalent to what
// protoc-gen-go-grpc would emit.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NovaServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    novaServiceInvokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/service.go",
}

// RegisterNovaServiceServer registers srv with s under the NovaService
// service description.
func RegisterNovaServiceServer(s grpc.ServiceRegistrar, srv NovaServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
