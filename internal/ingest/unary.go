package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/ingress/internal/model"
)

// UnarySendHandler serves Send: one batch in, one response out, bounded by
// a timeout. It shares the sink and the global limiter with stream sessions.
type UnarySendHandler struct {
	sink    Sink
	limiter *Limiter
	timeout time.Duration
	abort   context.Context
	log     logrus.FieldLogger
	metrics *counters
}

// Send forwards every well-formed envelope of batch to the sink and waits
// until all are resolved or the timeout elapses. Items are reported in
// envelope order.
func (h *UnarySendHandler) Send(ctx context.Context, batch *model.EnvelopeBatch) (*model.Response, error) {
	var envs []*model.Envelope
	if batch != nil {
		envs = batch.Envelopes
	}
	resp := &model.Response{}
	summary := model.BatchAck{Size: uint32(len(envs))}
	if len(envs) == 0 {
		resp.Batches = []model.BatchAck{summary}
		return resp, nil
	}

	res, err := h.limiter.Reserve(int64(len(envs)))
	if err != nil {
		h.metrics.rejectedCalls.Add(1)
		h.log.WithError(err).WithField("envelopes", len(envs)).Warn("rejecting Send")
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	defer res.Release()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if h.abort != nil {
		stop := context.AfterFunc(h.abort, cancel)
		defer stop()
	}

	ledger := NewLedger()
	for i := range envs {
		ledger.Track(uint64(i), 0, uint32(i))
	}
	h.metrics.received.Add(uint64(len(envs)))
	for i, env := range envs {
		seq := uint64(i)
		if err := env.Validate(); err != nil {
			ledger.Record(seq, model.Reject(err.Error()))
			continue
		}
		h.sink.Submit(ctx, env, func(o model.Outcome) { ledger.Record(seq, o) })
	}

	for ledger.Outstanding() > 0 {
		select {
		case <-ledger.Notify():
		case <-ctx.Done():
			o := model.Outcome{Disposition: model.DeadlineExceeded, Reason: "send timeout elapsed"}
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				o = model.Outcome{Disposition: model.Cancelled, Reason: ctx.Err().Error()}
			}
			n := 0
			for _, seq := range ledger.Unresolved() {
				if ledger.Record(seq, o) {
					n++
				}
			}
			h.log.WithFields(logrus.Fields{"units": n, "disposition": o.Disposition}).Warn("Send finished with unresolved units")
		}
	}

	acks := ledger.Drain()
	sort.Slice(acks, func(i, j int) bool { return acks[i].Index < acks[j].Index })
	for _, a := range acks {
		resp.Count(a.Disposition)
		if a.Disposition == model.Accepted {
			summary.Accepted++
		}
	}
	summary.Status = model.StatusFor(summary.Size, summary.Accepted)
	resp.Items = acks
	resp.Batches = []model.BatchAck{summary}
	h.metrics.count(acks)
	return resp, nil
}
