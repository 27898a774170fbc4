package dtxpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "icecanedtm.Segment"

	executeProtocolMethod = "/icecanedtm.Segment/ExecuteProtocol"
	listPreparedMethod    = "/icecanedtm.Segment/ListPrepared"
	beginStatementMethod  = "/icecanedtm.Segment/BeginStatement"
	resetSessionMethod    = "/icecanedtm.Segment/ResetSession"
)

// SegmentClient is the client API for the segment service.
type SegmentClient interface {
	ExecuteProtocol(ctx context.Context, in *ProtocolRequest, opts ...grpc.CallOption) (*ProtocolResponse, error)
	ListPrepared(ctx context.Context, in *ListPreparedRequest, opts ...grpc.CallOption) (*ListPreparedResponse, error)
	BeginStatement(ctx context.Context, in *StatementRequest, opts ...grpc.CallOption) (*StatementResponse, error)
	ResetSession(ctx context.Context, in *ResetSessionRequest, opts ...grpc.CallOption) (*ResetSessionResponse, error)
}

type segmentClient struct {
	cc grpc.ClientConnInterface
}

// NewSegmentClient returns a client which always speaks the dtxwire codec.
func NewSegmentClient(cc grpc.ClientConnInterface) SegmentClient {
	return &segmentClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}

func (c *segmentClient) ExecuteProtocol(ctx context.Context, in *ProtocolRequest, opts ...grpc.CallOption) (*ProtocolResponse, error) {
	out := new(ProtocolResponse)
	if err := c.cc.Invoke(ctx, executeProtocolMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *segmentClient) ListPrepared(ctx context.Context, in *ListPreparedRequest, opts ...grpc.CallOption) (*ListPreparedResponse, error) {
	out := new(ListPreparedResponse)
	if err := c.cc.Invoke(ctx, listPreparedMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *segmentClient) BeginStatement(ctx context.Context, in *StatementRequest, opts ...grpc.CallOption) (*StatementResponse, error) {
	out := new(StatementResponse)
	if err := c.cc.Invoke(ctx, beginStatementMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *segmentClient) ResetSession(ctx context.Context, in *ResetSessionRequest, opts ...grpc.CallOption) (*ResetSessionResponse, error) {
	out := new(ResetSessionResponse)
	if err := c.cc.Invoke(ctx, resetSessionMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// SegmentServer is the server API for the segment service.
type SegmentServer interface {
	ExecuteProtocol(context.Context, *ProtocolRequest) (*ProtocolResponse, error)
	ListPrepared(context.Context, *ListPreparedRequest) (*ListPreparedResponse, error)
	BeginStatement(context.Context, *StatementRequest) (*StatementResponse, error)
	ResetSession(context.Context, *ResetSessionRequest) (*ResetSessionResponse, error)
}

// UnimplementedSegmentServer can be embedded to have forward compatible implementations.
type UnimplementedSegmentServer struct{}

func (UnimplementedSegmentServer) ExecuteProtocol(context.Context, *ProtocolRequest) (*ProtocolResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ExecuteProtocol not implemented")
}

func (UnimplementedSegmentServer) ListPrepared(context.Context, *ListPreparedRequest) (*ListPreparedResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListPrepared not implemented")
}

func (UnimplementedSegmentServer) BeginStatement(context.Context, *StatementRequest) (*StatementResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method BeginStatement not implemented")
}

func (UnimplementedSegmentServer) ResetSession(context.Context, *ResetSessionRequest) (*ResetSessionResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ResetSession not implemented")
}

// ServerOptions returns the options a grpc.Server needs to serve the segment service.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(Codec{})}
}

// RegisterSegmentServer registers srv on s. s must be created with ServerOptions.
func RegisterSegmentServer(s grpc.ServiceRegistrar, srv SegmentServer) {
	s.RegisterService(&Segment_ServiceDesc, srv)
}

func _Segment_ExecuteProtocol_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProtocolRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmentServer).ExecuteProtocol(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeProtocolMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmentServer).ExecuteProtocol(ctx, req.(*ProtocolRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Segment_ListPrepared_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListPreparedRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmentServer).ListPrepared(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: listPreparedMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmentServer).ListPrepared(ctx, req.(*ListPreparedRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Segment_BeginStatement_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmentServer).BeginStatement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: beginStatementMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmentServer).BeginStatement(ctx, req.(*StatementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Segment_ResetSession_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ResetSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SegmentServer).ResetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: resetSessionMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SegmentServer).ResetSession(ctx, req.(*ResetSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Segment_ServiceDesc is the grpc.ServiceDesc for the segment service.
var Segment_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SegmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ExecuteProtocol",
			Handler:    _Segment_ExecuteProtocol_Handler,
		},
		{
			MethodName: "ListPrepared",
			Handler:    _Segment_ListPrepared_Handler,
		},
		{
			MethodName: "BeginStatement",
			Handler:    _Segment_BeginStatement_Handler,
		},
		{
			MethodName: "ResetSession",
			Handler:    _Segment_ResetSession_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "icecanedtm/segment.proto",
}
