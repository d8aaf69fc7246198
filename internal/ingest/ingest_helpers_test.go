package ingest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/tinytelemetry/ingress/internal/model"
)

func logEnvelope(ts int64) *model.Envelope {
	return &model.Envelope{Timestamp: ts, SourceID: "app", Payload: &model.Log{Payload: []byte("line")}}
}

// holdingSink keeps every submission until the test resolves it.
type holdingSink struct {
	mu       sync.Mutex
	envs     []*model.Envelope
	resolves []ResolveFunc
}

func (h *holdingSink) Submit(_ context.Context, env *model.Envelope, resolve ResolveFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
	h.resolves = append(h.resolves, resolve)
}

func (h *holdingSink) submitted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envs)
}

func (h *holdingSink) resolve(i int, o model.Outcome) {
	h.mu.Lock()
	fn := h.resolves[i]
	h.mu.Unlock()
	fn(o)
}

// asyncSink hands each submission to a test callback that resolves it
// whenever it likes.
type asyncSink func(env *model.Envelope, resolve ResolveFunc)

func (f asyncSink) Submit(_ context.Context, env *model.Envelope, resolve ResolveFunc) { f(env, resolve) }

// fakeStream feeds units to a session and captures its reply.
type fakeStream struct {
	ctx   context.Context
	units chan []*model.Envelope
	taken atomic.Int64

	mu      sync.Mutex
	resp    *model.Response
	trailer metadata.MD
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, units: make(chan []*model.Envelope)}
}

func (f *fakeStream) recv() ([]*model.Envelope, error) {
	select {
	case u, ok := <-f.units:
		if !ok {
			return nil, io.EOF
		}
		f.taken.Add(1)
		return u, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) send(t *testing.T, envs ...*model.Envelope) {
	t.Helper()
	select {
	case f.units <- envs:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not accept unit")
	}
}

// offer hands envs to the session in the background. The returned channel
// reports whether the session took them before stop closed.
func (f *fakeStream) offer(stop <-chan struct{}, envs ...*model.Envelope) <-chan bool {
	taken := make(chan bool, 1)
	go func() {
		select {
		case f.units <- envs:
			taken <- true
		case <-stop:
			taken <- false
		}
	}()
	return taken
}

func (f *fakeStream) SendAndClose(r *model.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = r
	return nil
}

func (f *fakeStream) SetTrailer(md metadata.MD) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trailer = md
}

func (f *fakeStream) response() *model.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp
}

// serve runs one stream call in the background.
func serve(srv *Server, ctx context.Context, rpc string, stream *fakeStream) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- srv.serveStream(ctx, rpc, stream.recv, stream) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("call did not return")
		return nil
	}
}

func onlySession(t *testing.T, srv *Server) *StreamSession {
	t.Helper()
	var sess *StreamSession
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, s := range srv.sessions {
			sess = s
		}
		return len(srv.sessions) == 1
	}, time.Second, 5*time.Millisecond)
	return sess
}
