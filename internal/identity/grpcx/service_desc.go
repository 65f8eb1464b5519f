// Package grpcx exposes identity.Dispatcher over gRPC.
//
// There is no protobuf contract for the identity service: the service
// descriptor below is written by hand and messages travel as JSON using a
// registered "json" codec.
package grpcx

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec is a gRPC codec that marshals messages as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string { return codecName }

const (
	codecName     = "json"
	serviceName   = "tenantsagas.identity.v1.IdentityService"
	executeMethod = "/" + serviceName + "/Execute"
)

// CommandRequest wraps one identity command.
type CommandRequest struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResponse wraps the command's result.
type CommandResponse struct {
	Result json.RawMessage `json:"result"`
}

// IdentityServiceServer is the server side of the hand-written service.
type IdentityServiceServer interface {
	Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
}

// RegisterIdentityServiceServer registers srv on s.
func RegisterIdentityServiceServer(s grpc.ServiceRegistrar, srv IdentityServiceServer) {
	s.RegisterService(&_IdentityService_serviceDesc, srv)
}

var _IdentityService_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IdentityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    _IdentityService_Execute_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/identity.proto",
}

func _IdentityService_Execute_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CommandRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServiceServer).Execute(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServiceServer).Execute(ctx, req.(*CommandRequest))
	}
	return interceptor(ctx, req, info, handler)
}
