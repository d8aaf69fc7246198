package wire

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/tinytelemetry/ingress/internal/model"
)

// Name is the gRPC content-subtype served by Codec.
const Name = "proto"

// Codec implements the gRPC codec contract for the ingress messages and
// falls back to the protobuf runtime for generated messages, such as the
// health service, that share the server.
type Codec struct{}

func (Codec) Name() string { return Name }

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *model.Envelope:
		return AppendEnvelope(nil, m), nil
	case *model.EnvelopeBatch:
		return AppendBatch(nil, m), nil
	case *model.Response:
		return AppendResponse(nil, m), nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("wire: cannot marshal %T", v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *model.Envelope:
		return UnmarshalEnvelope(data, m)
	case *model.EnvelopeBatch:
		return UnmarshalBatch(data, m)
	case *model.Response:
		return UnmarshalResponse(data, m)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("wire: cannot unmarshal into %T", v)
}
