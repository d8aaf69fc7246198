package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/ingress/internal/model"
)

func TestSendReportsItemsInEnvelopeOrder(t *testing.T) {
	t.Parallel()

	// resolve in reverse order to make ordering observable
	sink := asyncSink(func(env *model.Envelope, resolve ResolveFunc) {
		delay := time.Duration(10-env.Timestamp) * 5 * time.Millisecond
		time.AfterFunc(delay, func() {
			if env.Timestamp == 2 {
				resolve(model.Reject("schema mismatch"))
				return
			}
			resolve(model.Accept())
		})
	})
	srv := NewServer(sink, nil)

	resp, err := srv.Send(context.Background(), &model.EnvelopeBatch{Envelopes: []*model.Envelope{
		logEnvelope(1), logEnvelope(2), logEnvelope(3),
	}})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), resp.Accepted)
	assert.Equal(t, uint64(1), resp.RejectedMalformed)
	require.Len(t, resp.Items, 3)
	want := []model.Disposition{model.Accepted, model.RejectedMalformed, model.Accepted}
	for i, a := range resp.Items {
		assert.Equal(t, uint32(i), a.Index)
		assert.Equal(t, want[i], a.Disposition)
	}
	require.Len(t, resp.Batches, 1)
	assert.Equal(t, model.BatchPartial, resp.Batches[0].Status)
}

func TestSendTimesOutUnresolved(t *testing.T) {
	t.Parallel()

	sink := &holdingSink{}
	srv := NewServer(sink, nil, Config{UnaryTimeout: 30 * time.Millisecond})

	start := time.Now()
	resp, err := srv.Send(context.Background(), &model.EnvelopeBatch{Envelopes: []*model.Envelope{
		logEnvelope(1), {Timestamp: 2},
	}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, uint64(1), resp.DeadlineExceeded)
	assert.Equal(t, uint64(1), resp.RejectedMalformed)
	assert.Equal(t, model.BatchNone, resp.Batches[0].Status)

	// a late resolution changes nothing
	sink.resolve(0, model.Accept())
	assert.Equal(t, uint64(0), srv.Stats().Dispositions["accepted"])
}

func TestSendCallerCancellation(t *testing.T) {
	t.Parallel()

	srv := NewServer(&holdingSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	resp, err := srv.Send(ctx, &model.EnvelopeBatch{Envelopes: []*model.Envelope{logEnvelope(1)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Cancelled)
}

func TestSendEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	sink := &holdingSink{}
	srv := NewServer(sink, nil)
	resp, err := srv.Send(context.Background(), &model.EnvelopeBatch{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.Total())
	require.Len(t, resp.Batches, 1)
	assert.Equal(t, model.BatchComplete, resp.Batches[0].Status)
	assert.Equal(t, 0, sink.submitted())
}

func TestSendRespectsInflightCeiling(t *testing.T) {
	t.Parallel()

	srv := NewServer(Discard, nil, Config{MaxInflight: 2})
	_, err := srv.Send(context.Background(), &model.EnvelopeBatch{Envelopes: []*model.Envelope{
		logEnvelope(1), logEnvelope(2), logEnvelope(3),
	}})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	resp, err := srv.Send(context.Background(), &model.EnvelopeBatch{Envelopes: []*model.Envelope{logEnvelope(1)}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Accepted)
	assert.Equal(t, int64(0), srv.Stats().ReservedInflight)
}
