package ingest

import (
	"sync/atomic"

	"github.com/tinytelemetry/ingress/internal/model"
)

const dispositionCount = int(model.Cancelled) + 1

// counters aggregates process-wide totals. Sessions update it as they
// collect acknowledgements.
type counters struct {
	received      atomic.Uint64
	rejectedCalls atomic.Uint64
	dispositions  [dispositionCount]atomic.Uint64
}

func (c *counters) count(acks []model.Ack) {
	for _, a := range acks {
		if a.Disposition.Valid() {
			c.dispositions[a.Disposition].Add(1)
		}
	}
}

func (c *counters) snapshot() map[string]uint64 {
	out := make(map[string]uint64, dispositionCount)
	for i := range c.dispositions {
		out[model.Disposition(i).String()] = c.dispositions[i].Load()
	}
	return out
}

// responseBuilder folds acknowledgements into the final reply of a call.
// Per-item detail and per-batch summaries stop growing at limit.
type responseBuilder struct {
	limit   int
	batched bool
	resp    model.Response
	batches map[uint64]*model.BatchAck
	order   []uint64
}

func newResponseBuilder(limit int, batched bool) *responseBuilder {
	return &responseBuilder{
		limit:   limit,
		batched: batched,
		batches: make(map[uint64]*model.BatchAck),
	}
}

func (b *responseBuilder) full(n int) bool {
	return b.limit > 0 && n >= b.limit
}

func (b *responseBuilder) beginBatch(batch uint64, size int) {
	if !b.batched {
		return
	}
	if b.full(len(b.order)) {
		b.resp.Truncated = true
		return
	}
	b.batches[batch] = &model.BatchAck{Batch: batch, Size: uint32(size)}
	b.order = append(b.order, batch)
}

func (b *responseBuilder) add(acks []model.Ack) {
	for _, a := range acks {
		b.resp.Count(a.Disposition)
		if ba, ok := b.batches[a.Batch]; ok && a.Disposition == model.Accepted {
			ba.Accepted++
		}
		if b.full(len(b.resp.Items)) {
			b.resp.Truncated = true
			continue
		}
		b.resp.Items = append(b.resp.Items, a)
	}
}

func (b *responseBuilder) build(sessionID string) *model.Response {
	r := b.resp
	r.SessionID = sessionID
	for _, n := range b.order {
		ba := *b.batches[n]
		ba.Status = model.StatusFor(ba.Size, ba.Accepted)
		r.Batches = append(r.Batches, ba)
	}
	return &r
}
