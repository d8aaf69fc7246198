package socketrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/ingress/internal/model"
)

type stubQuerier struct{ err error }

func (q stubQuerier) TotalEnvelopeCount(model.QueryOpts) (int64, error) { return 100, q.err }
func (q stubQuerier) CountsByKind(model.QueryOpts) (map[string]int64, error) {
	return map[string]int64{"log": 100}, q.err
}
func (q stubQuerier) TopSources(limit int, _ model.QueryOpts) ([]model.DimensionCount, error) {
	return []model.DimensionCount{{Value: "app", Count: int64(limit)}}, q.err
}
func (q stubQuerier) RecentEnvelopes(limit int, _ model.QueryOpts) ([]model.StoredEnvelope, error) {
	return make([]model.StoredEnvelope, limit), q.err
}

type stubStats struct{}

func (stubStats) Stats() model.IngressStats     { return model.IngressStats{MaxSessions: 4} }
func (stubStats) Sessions() []model.SessionInfo { return nil }

func newTestDispatcher() *Server {
	return NewServer("", stubStats{}, stubQuerier{})
}

func TestDispatch_AllMethods(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	tests := []struct {
		method string
		params string
	}{
		{"Stats", `{}`},
		{"Sessions", `null`},
		{"TotalEnvelopeCount", `{"Opts":{}}`},
		{"CountsByKind", `{"Opts":{"SourceID":"app"}}`},
		{"TopSources", `{"Limit":10,"Opts":{}}`},
		{"RecentEnvelopes", `{"Limit":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()
			resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: tt.method, Params: json.RawMessage(tt.params)})
			require.Nil(t, resp.Error)
			assert.NotNil(t, resp.Result)
			assert.Equal(t, "2.0", resp.JSONRPC)
			assert.Equal(t, 1, resp.ID)
		})
	}
}

func TestDispatch_DefaultLimit(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "TopSources", Params: json.RawMessage(`{}`)})
	require.Nil(t, resp.Error)
	var top []model.DimensionCount
	require.NoError(t, json.Unmarshal(resp.Result, &top))
	assert.Equal(t, int64(100), top[0].Count)
}

func TestDispatch_MethodNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "NonExistentMethod", Params: json.RawMessage(`{}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeNoMethod, resp.Error.Code)
}

func TestDispatch_InvalidParams(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 2, Method: "TopSources", Params: json.RawMessage(`not json`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeBadParams, resp.Error.Code)

	// required params may not be empty
	resp = srv.dispatch(Request{JSONRPC: "2.0", ID: 3, Method: "RecentEnvelopes"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeBadParams, resp.Error.Code)
}

func TestDispatch_EmptyParamsOnOptionalMethods(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	for _, method := range []string{"Stats", "Sessions", "TotalEnvelopeCount", "CountsByKind"} {
		resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: method})
		assert.Nil(t, resp.Error, method)
	}
}

func TestDispatch_ApplicationError(t *testing.T) {
	t.Parallel()
	srv := NewServer("", nil, stubQuerier{err: errors.New("query timeout")})

	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "CountsByKind"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeApplication, resp.Error.Code)
	assert.Equal(t, "query timeout", resp.Error.Message)

	resp = srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "Stats"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeUnavailable, resp.Error.Code)
}

func TestDispatch_PreservesRequestID(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher()

	for _, id := range []int{0, 1, 42, 9999} {
		resp := srv.dispatch(Request{JSONRPC: "2.0", ID: id, Method: "Stats"})
		assert.Equal(t, id, resp.ID)
	}
}
