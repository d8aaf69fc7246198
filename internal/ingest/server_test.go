package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/ingress/internal/model"
)

func TestShutdownDrainsOpenSessions(t *testing.T) {
	t.Parallel()

	srv := NewServer(Discard, nil, Config{DrainGrace: time.Second})
	stream := newFakeStream(context.Background())
	errc := serve(srv, context.Background(), RPCSender, stream)
	stream.send(t, logEnvelope(1))
	onlySession(t, srv)
	require.Eventually(t, func() bool { return srv.Stats().Received == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, uint64(1), stream.response().Accepted)

	late := newFakeStream(context.Background())
	err := srv.serveStream(context.Background(), RPCSender, late.recv, late)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	_, err = srv.Send(context.Background(), &model.EnvelopeBatch{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestShutdownRejectsUnitWaitingForCredit(t *testing.T) {
	t.Parallel()

	sink := &holdingSink{}
	srv := NewServer(sink, nil, Config{SessionCredit: 1, DrainGrace: 20 * time.Millisecond})
	stream := newFakeStream(context.Background())
	errc := serve(srv, context.Background(), RPCSender, stream)
	stream.send(t, logEnvelope(1))
	stream.send(t, logEnvelope(2))
	sess := onlySession(t, srv)
	require.Eventually(t, func() bool { return sess.State() == StateCreditExhausted }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, waitErr(t, errc))

	resp := stream.response()
	assert.Equal(t, uint64(1), resp.RejectedOverload)
	assert.Equal(t, uint64(1), resp.DeadlineExceeded)
	assert.Equal(t, 1, sink.submitted())
}

func TestShutdownAccountsForEveryUnitTaken(t *testing.T) {
	t.Parallel()

	sink := &holdingSink{}
	srv := NewServer(sink, nil, Config{SessionCredit: 1, DrainGrace: 20 * time.Millisecond})
	stream := newFakeStream(context.Background())
	errc := serve(srv, context.Background(), RPCSender, stream)
	stream.send(t, logEnvelope(1))
	stream.send(t, logEnvelope(2))
	stop := make(chan struct{})
	third := stream.offer(stop, logEnvelope(3))
	sess := onlySession(t, srv)
	require.Eventually(t, func() bool { return sess.State() == StateCreditExhausted }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), stream.taken.Load(), "no unit is read past the one waiting for credit")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, waitErr(t, errc))
	close(stop)
	assert.False(t, <-third, "the third unit stays with the producer")

	resp := stream.response()
	total := resp.Accepted + resp.RejectedMalformed + resp.RejectedOverload +
		resp.Failed + resp.DeadlineExceeded + resp.Cancelled
	assert.Equal(t, uint64(stream.taken.Load()), total)
	assert.Equal(t, uint64(2), sess.Info().Received)
	assert.Equal(t, uint64(1), resp.RejectedOverload)
	assert.Equal(t, uint64(1), resp.DeadlineExceeded)
}

func TestShutdownForceAbortsAfterGrace(t *testing.T) {
	t.Parallel()

	sink := &holdingSink{}
	srv := NewServer(sink, nil, Config{DrainGrace: time.Minute})
	stream := newFakeStream(context.Background())
	errc := serve(srv, context.Background(), RPCSender, stream)
	stream.send(t, logEnvelope(1))
	require.Eventually(t, func() bool { return sink.submitted() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, waitErr(t, errc))

	resp := stream.response()
	assert.Equal(t, uint64(1), resp.Cancelled)
	assert.Empty(t, srv.Sessions())
}

func TestSessionsReportsProducer(t *testing.T) {
	t.Parallel()

	srv := NewServer(Discard, nil)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(ProducerMetadataKey, "agent-7"))
	stream := newFakeStream(ctx)
	errc := serve(srv, ctx, RPCBatchSender, stream)
	onlySession(t, srv)

	infos := srv.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "agent-7@unknown", infos[0].Producer)
	assert.Equal(t, RPCBatchSender, infos[0].RPC)
	assert.Equal(t, int64(model.DefaultSessionCredit), infos[0].Credit)

	close(stream.units)
	require.NoError(t, waitErr(t, errc))
}

func TestSetLimitsAppliesToNewStreams(t *testing.T) {
	t.Parallel()

	srv := NewServer(Discard, nil, Config{SessionCredit: 4, MaxInflight: 100})
	srv.SetLimits(10, 3)

	stream := newFakeStream(context.Background())
	err := srv.serveStream(context.Background(), RPCSender, stream.recv, stream)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, int64(3), srv.Stats().MaxInflight)
}
