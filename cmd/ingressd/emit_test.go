package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/ingress/internal/duckdb"
	"github.com/tinytelemetry/ingress/internal/ingest"
	"github.com/tinytelemetry/ingress/internal/ingressrpc"
	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/socketrpc"
)

func startIngress(t *testing.T, sink ingest.Sink) (*ingest.Server, string) {
	t.Helper()
	engine := ingest.NewServer(sink, nil)
	rpc := ingressrpc.NewServer("127.0.0.1:0", engine)
	require.NoError(t, rpc.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		_ = rpc.Stop(ctx)
	})
	return engine, rpc.Addr()
}

func TestRunEmit_AllCalls(t *testing.T) {
	_, addr := startIngress(t, ingest.Discard)

	for _, rpc := range []string{"sender", "batch", "send"} {
		t.Run(rpc, func(t *testing.T) {
			var out bytes.Buffer
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, runEmit(ctx, &out, emitOptions{
				addr:      addr,
				rpc:       rpc,
				count:     7,
				batchSize: 3,
				source:    "emit-test",
				message:   "hello",
				compress:  ingressrpc.Zstd,
			}))

			var got emitSummary
			require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
			assert.Equal(t, 7, got.Sent)
			assert.Equal(t, uint64(7), got.Dispositions["accepted"])
			assert.Empty(t, got.Rejections)
		})
	}
}

func TestRunEmit_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	assert.Error(t, runEmit(context.Background(), &out, emitOptions{addr: "127.0.0.1:1", count: 0}))
	assert.Error(t, runEmit(context.Background(), &out, emitOptions{addr: "127.0.0.1:1", count: 1, compress: "lz4"}))
}

func TestChunk(t *testing.T) {
	t.Parallel()

	envs := testEnvelopes(emitOptions{count: 5, source: "s", message: "m"})
	parts := chunk(envs, 2)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 1)
	assert.Equal(t, "m 4", string(parts[2][0].Payload.(*model.Log).Payload))
}

func TestSummarizeListsRejections(t *testing.T) {
	t.Parallel()

	s := summarize("send", 2, &model.Response{
		Accepted:          1,
		RejectedMalformed: 1,
		Items: []model.Ack{
			{Sequence: 1, Disposition: model.Accepted},
			{Sequence: 2, Disposition: model.RejectedMalformed, Reason: "envelope has no timestamp"},
		},
	})
	assert.Equal(t, uint64(1), s.Dispositions["rejected_malformed"])
	assert.Equal(t, []string{"#2 rejected_malformed: envelope has no timestamp"}, s.Rejections)
}

func TestCollectStatus(t *testing.T) {
	store, err := duckdb.NewStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	buf := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{FlushInterval: 10 * time.Millisecond})
	t.Cleanup(buf.Stop)

	engine, addr := startIngress(t, buf)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runEmit(ctx, &bytes.Buffer{}, emitOptions{addr: addr, rpc: "send", count: 4, batchSize: 4, source: "status-test", message: "x"}))

	sockPath := filepath.Join(t.TempDir(), "s.sock")
	sock := socketrpc.NewServer(sockPath, engine, store)
	require.NoError(t, sock.Start())
	t.Cleanup(sock.Stop)

	client, err := socketrpc.Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()

	report, err := collectStatus(client, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), report.Stats.Received)
	require.NotNil(t, report.Storage)
	assert.Equal(t, int64(4), report.Storage.Envelopes)
	assert.Equal(t, int64(4), report.Storage.ByKind["log"])
	require.Len(t, report.Storage.TopSources, 1)
	assert.Equal(t, "status-test", report.Storage.TopSources[0].Value)
}

func TestCollectStatusWithoutStorage(t *testing.T) {
	engine, _ := startIngress(t, ingest.Discard)

	sockPath := filepath.Join(t.TempDir(), "s.sock")
	sock := socketrpc.NewServer(sockPath, engine, nil)
	require.NoError(t, sock.Start())
	t.Cleanup(sock.Stop)

	client, err := socketrpc.Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()

	report, err := collectStatus(client, 3)
	require.NoError(t, err)
	assert.Nil(t, report.Storage)
}
