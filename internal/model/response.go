package model

// BatchStatus summarizes how many envelopes of one batch were accepted.
type BatchStatus int32

const (
	BatchComplete BatchStatus = iota
	BatchPartial
	BatchNone
)

func (s BatchStatus) String() string {
	switch s {
	case BatchComplete:
		return "complete"
	case BatchPartial:
		return "partial"
	case BatchNone:
		return "none"
	}
	return "unknown"
}

// StatusFor derives a batch status from its size and accepted count.
func StatusFor(size, accepted uint32) BatchStatus {
	switch {
	case accepted >= size:
		return BatchComplete
	case accepted == 0:
		return BatchNone
	default:
		return BatchPartial
	}
}

type BatchAck struct {
	Batch    uint64
	Size     uint32
	Accepted uint32
	Status   BatchStatus
}

// Response is the final reply of Sender, BatchSender and Send.
type Response struct {
	SessionID         string
	Accepted          uint64
	RejectedMalformed uint64
	RejectedOverload  uint64
	Failed            uint64
	DeadlineExceeded  uint64
	Cancelled         uint64
	Items             []Ack
	Batches           []BatchAck
	Truncated         bool
}

// Count adds one disposition to the totals.
func (r *Response) Count(d Disposition) {
	switch d {
	case Accepted:
		r.Accepted++
	case RejectedMalformed:
		r.RejectedMalformed++
	case RejectedOverload:
		r.RejectedOverload++
	case Failed:
		r.Failed++
	case DeadlineExceeded:
		r.DeadlineExceeded++
	case Cancelled:
		r.Cancelled++
	}
}

// Total is the number of envelopes with a recorded disposition.
func (r *Response) Total() uint64 {
	return r.Accepted + r.Rejected()
}

// Rejected counts every disposition other than Accepted.
func (r *Response) Rejected() uint64 {
	return r.RejectedMalformed + r.RejectedOverload + r.Failed + r.DeadlineExceeded + r.Cancelled
}
