package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tinytelemetry/ingress/internal/model"
)

// IngressResponse, BatchSenderResponse and SendResponse carry no fields in
// the legacy contract. The fields below are additions, so legacy clients
// still decode the reply as an empty message.
const (
	respAccepted          protowire.Number = 1
	respRejectedMalformed protowire.Number = 2
	respRejectedOverload  protowire.Number = 3
	respFailed            protowire.Number = 4
	respDeadlineExceeded  protowire.Number = 5
	respCancelled         protowire.Number = 6
	respItems             protowire.Number = 7
	respBatches           protowire.Number = 8
	respTruncated         protowire.Number = 9
	respSessionID         protowire.Number = 10
)

// AppendResponse appends the wire encoding of r to b.
func AppendResponse(b []byte, r *model.Response) []byte {
	b = appendVarint(b, respAccepted, r.Accepted)
	b = appendVarint(b, respRejectedMalformed, r.RejectedMalformed)
	b = appendVarint(b, respRejectedOverload, r.RejectedOverload)
	b = appendVarint(b, respFailed, r.Failed)
	b = appendVarint(b, respDeadlineExceeded, r.DeadlineExceeded)
	b = appendVarint(b, respCancelled, r.Cancelled)
	for _, a := range r.Items {
		var item []byte
		item = appendVarint(item, 1, a.Sequence)
		item = appendVarint(item, 2, a.Batch)
		item = appendVarint(item, 3, uint64(a.Index))
		item = appendVarint(item, 4, uint64(a.Disposition))
		item = appendString(item, 5, a.Reason)
		b = appendMessage(b, respItems, item)
	}
	for _, ba := range r.Batches {
		var batch []byte
		batch = appendVarint(batch, 1, ba.Batch)
		batch = appendVarint(batch, 2, uint64(ba.Size))
		batch = appendVarint(batch, 3, uint64(ba.Accepted))
		batch = appendVarint(batch, 4, uint64(ba.Status))
		b = appendMessage(b, respBatches, batch)
	}
	b = appendBool(b, respTruncated, r.Truncated)
	return appendString(b, respSessionID, r.SessionID)
}

// UnmarshalResponse decodes b into r, replacing its contents.
func UnmarshalResponse(b []byte, r *model.Response) error {
	*r = model.Response{}
	counters := map[protowire.Number]*uint64{
		respAccepted:          &r.Accepted,
		respRejectedMalformed: &r.RejectedMalformed,
		respRejectedOverload:  &r.RejectedOverload,
		respFailed:            &r.Failed,
		respDeadlineExceeded:  &r.DeadlineExceeded,
		respCancelled:         &r.Cancelled,
	}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if dst, ok := counters[num]; ok {
			v, n, err := varintField(typ, b)
			*dst = v
			return n, err
		}
		switch num {
		case respItems:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			a, err := decodeAck(raw)
			if err != nil {
				return 0, err
			}
			r.Items = append(r.Items, a)
			return n, nil
		case respBatches:
			raw, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			ba, err := decodeBatchAck(raw)
			if err != nil {
				return 0, err
			}
			r.Batches = append(r.Batches, ba)
			return n, nil
		case respTruncated:
			v, n, err := varintField(typ, b)
			r.Truncated = v != 0
			return n, err
		case respSessionID:
			s, n, err := stringField(typ, b)
			r.SessionID = s
			return n, err
		}
		return 0, nil
	})
}

func decodeAck(b []byte) (model.Ack, error) {
	var a model.Ack
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 5 {
			s, n, err := stringField(typ, b)
			a.Reason = s
			return n, err
		}
		if num < 1 || num > 4 {
			return 0, nil
		}
		v, n, err := varintField(typ, b)
		switch num {
		case 1:
			a.Sequence = v
		case 2:
			a.Batch = v
		case 3:
			a.Index = uint32(v)
		case 4:
			a.Disposition = model.Disposition(v)
		}
		return n, err
	})
	return a, err
}

func decodeBatchAck(b []byte) (model.BatchAck, error) {
	var ba model.BatchAck
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 4 {
			return 0, nil
		}
		v, n, err := varintField(typ, b)
		switch num {
		case 1:
			ba.Batch = v
		case 2:
			ba.Size = uint32(v)
		case 3:
			ba.Accepted = uint32(v)
		case 4:
			ba.Status = model.BatchStatus(v)
		}
		return n, err
	})
	return ba, err
}
