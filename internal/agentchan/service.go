package agentchan

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "agentchan.Agent"

// fullMethod is the single RPC every AC call multiplexes through.
const fullMethod = "/" + serviceName + "/Invoke"

// Handler is implemented by the in-VM agent process (or a fake, in tests)
// to answer an Envelope.
type Handler interface {
	Invoke(ctx context.Context, req *Envelope) (*Envelope, error)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).Invoke(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-rolled equivalent of a protoc-generated
// _grpc.pb.go ServiceDesc, registering the one Invoke method under the gob
// codec.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentchan.proto",
}

// RegisterServer wires h into s under the Agent Channel's service name.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// rawInvoke performs the one RPC the channel exposes, using the gob codec
// registered in codec.go.
func rawInvoke(ctx context.Context, cc *grpc.ClientConn, req *Envelope) (*Envelope, error) {
	out := new(Envelope)
	if err := cc.Invoke(ctx, fullMethod, req, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}
