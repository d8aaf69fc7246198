package ingressrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/wire"
)

// Client is a typed Ingress client over any gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// DialOptions makes every call on the connection use the envelope codec,
// so raw Invoke and NewStream calls work without a Client.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{}))}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(wire.Codec{})}, opts...)
}

// Sender opens a client stream of single envelopes.
func (c *Client) Sender(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[model.Envelope, model.Response], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SenderMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[model.Envelope, model.Response]{ClientStream: stream}, nil
}

// BatchSender opens a client stream of envelope batches.
func (c *Client) BatchSender(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[model.EnvelopeBatch, model.Response], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], BatchSenderMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[model.EnvelopeBatch, model.Response]{ClientStream: stream}, nil
}

// Send delivers one batch and waits for its per-envelope outcome.
func (c *Client) Send(ctx context.Context, in *model.EnvelopeBatch, opts ...grpc.CallOption) (*model.Response, error) {
	out := new(model.Response)
	if err := c.cc.Invoke(ctx, SendMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
