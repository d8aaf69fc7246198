package socketrpc_test

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/socketrpc"
)

type mockStats struct{}

func (mockStats) Stats() model.IngressStats {
	return model.IngressStats{ActiveSessions: 1, Received: 9, Dispositions: map[string]uint64{"Accepted": 9}}
}

func (mockStats) Sessions() []model.SessionInfo {
	return []model.SessionInfo{{ID: "abc", RPC: "BatchSender", Credit: 256}}
}

type mockQuerier struct{}

func (mockQuerier) TotalEnvelopeCount(opts model.QueryOpts) (int64, error) {
	if opts.SourceID != "" {
		return 7, nil
	}
	return 42, nil
}

func (mockQuerier) CountsByKind(model.QueryOpts) (map[string]int64, error) {
	return map[string]int64{"log": 40, "counter": 2}, nil
}

func (mockQuerier) TopSources(limit int, _ model.QueryOpts) ([]model.DimensionCount, error) {
	out := []model.DimensionCount{{Value: "api", Count: 30}, {Value: "db", Count: 12}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (mockQuerier) RecentEnvelopes(limit int, _ model.QueryOpts) ([]model.StoredEnvelope, error) {
	v := 1.5
	return []model.StoredEnvelope{{ID: 1, Kind: "gauge", Name: "cpu", Value: &v, Timestamp: time.Unix(10, 0).UTC()}}, nil
}

func startTestServer(t *testing.T, stats model.StatsSource, store model.EnvelopeQuerier) (string, *socketrpc.Server) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := socketrpc.NewServer(sockPath, stats, store)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return sockPath, srv
}

func TestRoundtrip(t *testing.T) {
	sockPath, _ := startTestServer(t, mockStats{}, mockQuerier{})

	client, err := socketrpc.Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()

	stats, err := client.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), stats.Received)
	assert.Equal(t, uint64(9), stats.Dispositions["Accepted"])

	sessions, err := client.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(256), sessions[0].Credit)

	total, err := client.TotalEnvelopeCount(model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	filtered, err := client.TotalEnvelopeCount(model.QueryOpts{SourceID: "api"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), filtered)

	kinds, err := client.CountsByKind(model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(40), kinds["log"])

	top, err := client.TopSources(1, model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, []model.DimensionCount{{Value: "api", Count: 30}}, top)

	recent, err := client.RecentEnvelopes(5, model.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].Value)
	assert.InDelta(t, 1.5, *recent[0].Value, 0.0001)
}

func TestUnavailableWithoutStore(t *testing.T) {
	sockPath, _ := startTestServer(t, mockStats{}, nil)

	client, err := socketrpc.Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.TotalEnvelopeCount(model.QueryOpts{})
	var rpcErr *socketrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32001, rpcErr.Code)

	_, err = client.Stats()
	assert.NoError(t, err)
}

func TestDialFailure(t *testing.T) {
	_, err := socketrpc.Dial(filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, err)
}

func TestSecondServerRefused(t *testing.T) {
	sockPath, _ := startTestServer(t, mockStats{}, nil)

	other := socketrpc.NewServer(sockPath, mockStats{}, nil)
	assert.Error(t, other.Start())
}

func TestStaleSocketReplaced(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "stale.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	// keep the file, drop the listener
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	srv := socketrpc.NewServer(sockPath, mockStats{}, nil)
	require.NoError(t, srv.Start())
	srv.Stop()
}

func TestServerStopCleansSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "cleanup.sock")
	srv := socketrpc.NewServer(sockPath, mockStats{}, mockQuerier{})
	require.NoError(t, srv.Start())
	srv.Stop()

	_, err := socketrpc.Dial(sockPath)
	assert.Error(t, err)
}

func TestStopIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "idempotent.sock")
	srv := socketrpc.NewServer(sockPath, mockStats{}, mockQuerier{})
	require.NoError(t, srv.Start())

	srv.Stop()
	srv.Stop()
}

func TestStopClosesConns(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "conns.sock")
	srv := socketrpc.NewServer(sockPath, mockStats{}, mockQuerier{})
	require.NoError(t, srv.Start())

	client, err := socketrpc.Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Stats()
	require.NoError(t, err)

	srv.Stop()

	done := make(chan error, 1)
	go func() {
		_, callErr := client.Stats()
		done <- callErr
	}()

	select {
	case callErr := <-done:
		assert.Error(t, callErr)
	case <-time.After(2 * time.Second):
		t.Fatal("client call hung after server stop")
	}
}
