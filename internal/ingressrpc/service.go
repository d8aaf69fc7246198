// Package ingressrpc binds the ingress engine to gRPC: the service
// descriptor for loggregator.v2.Ingress, a typed client, compressors and
// the listening server.
package ingressrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/tinytelemetry/ingress/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "loggregator.v2.Ingress"

// Full method names.
const (
	SenderMethod      = "/" + ServiceName + "/Sender"
	BatchSenderMethod = "/" + ServiceName + "/BatchSender"
	SendMethod        = "/" + ServiceName + "/Send"
)

// IngressServer is the server API for the Ingress service.
type IngressServer interface {
	Sender(grpc.ClientStreamingServer[model.Envelope, model.Response]) error
	BatchSender(grpc.ClientStreamingServer[model.EnvelopeBatch, model.Response]) error
	Send(context.Context, *model.EnvelopeBatch) (*model.Response, error)
}

// ServiceDesc describes the Ingress service. Messages travel through
// wire.Codec, so the server must be built with grpc.ForceServerCodec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngressServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Sender", Handler: senderHandler, ClientStreams: true},
		{StreamName: "BatchSender", Handler: batchSenderHandler, ClientStreams: true},
	},
	Metadata: "loggregator-v2/ingress.proto",
}

// RegisterIngressServer registers srv with s.
func RegisterIngressServer(s grpc.ServiceRegistrar, srv IngressServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func senderHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IngressServer).Sender(&grpc.GenericServerStream[model.Envelope, model.Response]{ServerStream: stream})
}

func batchSenderHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IngressServer).BatchSender(&grpc.GenericServerStream[model.EnvelopeBatch, model.Response]{ServerStream: stream})
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(model.EnvelopeBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngressServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngressServer).Send(ctx, req.(*model.EnvelopeBatch))
	}
	return interceptor(ctx, in, info, handler)
}
