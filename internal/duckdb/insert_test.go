package duckdb

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/ingress/internal/journal"
	"github.com/tinytelemetry/ingress/internal/model"
)

// outcomes collects resolutions in a test-safe way.
type outcomes struct {
	mu  sync.Mutex
	got []model.Outcome
}

func (o *outcomes) resolve(out model.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, out)
}

func (o *outcomes) count(d model.Disposition) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, out := range o.got {
		if out.Disposition == d {
			n++
		}
	}
	return n
}

type writerFunc func([]*model.Envelope) error

func (f writerFunc) InsertEnvelopeBatch(envs []*model.Envelope) error { return f(envs) }

func TestInsertBuffer_SubmitAndStop(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)
	var res outcomes

	for i := 0; i < 10; i++ {
		buf.Submit(t.Context(), logEnvelope("app", "test message", time.Now()), res.resolve)
	}
	buf.Stop()

	assert.Equal(t, 10, res.count(model.Accepted))
	count, err := store.TotalEnvelopeCount(model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	stored, failed := buf.Counts()
	assert.Equal(t, uint64(10), stored)
	assert.Zero(t, failed)
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 50, FlushInterval: time.Hour})
	var res outcomes

	for i := 0; i < 120; i++ {
		buf.Submit(t.Context(), logEnvelope("app", "batch test", time.Now()), res.resolve)
	}

	// two full batches flush without waiting for the ticker
	require.Eventually(t, func() bool { return res.count(model.Accepted) == 100 }, 5*time.Second, 10*time.Millisecond)

	buf.Stop()
	assert.Equal(t, 120, res.count(model.Accepted))
}

func TestInsertBuffer_ConcurrentSubmit(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)
	var res outcomes

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				buf.Submit(t.Context(), logEnvelope("app", "concurrent test", time.Now()), res.resolve)
			}
		}()
	}
	wg.Wait()
	buf.Stop()

	assert.Equal(t, 500, res.count(model.Accepted))
	count, err := store.TotalEnvelopeCount(model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(500), count)
}

func TestInsertBuffer_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)
	var res outcomes

	buf.Submit(t.Context(), logEnvelope("app", "idempotent stop", time.Now()), res.resolve)
	buf.Stop()
	buf.Stop()

	assert.Equal(t, 1, res.count(model.Accepted))
}

func TestInsertBuffer_SubmitAfterStopIsOverload(t *testing.T) {
	buf := NewInsertBuffer(writerFunc(func([]*model.Envelope) error { return nil }))
	buf.Stop()

	var res outcomes
	buf.Submit(t.Context(), logEnvelope("app", "late", time.Now()), res.resolve)
	assert.Equal(t, 1, res.count(model.RejectedOverload))
}

func TestInsertBuffer_WriteFailureFailsBatch(t *testing.T) {
	buf := NewInsertBuffer(writerFunc(func([]*model.Envelope) error {
		return errors.New("disk full")
	}))
	var res outcomes

	for i := 0; i < 3; i++ {
		buf.Submit(t.Context(), logEnvelope("app", "doomed", time.Now()), res.resolve)
	}
	buf.Stop()

	assert.Equal(t, 3, res.count(model.Failed))
	_, failed := buf.Counts()
	assert.Equal(t, uint64(3), failed)
}

func TestInsertBuffer_PartialFailure(t *testing.T) {
	buf := NewInsertBuffer(writerFunc(func(envs []*model.Envelope) error {
		failed := map[int]error{}
		for i, env := range envs {
			if env.SourceID == "bad" {
				failed[i] = errors.New("constraint")
			}
		}
		if len(failed) == 0 {
			return nil
		}
		return &BatchError{Failed: failed}
	}))
	var res outcomes

	buf.Submit(t.Context(), logEnvelope("good", "a", time.Now()), res.resolve)
	buf.Submit(t.Context(), logEnvelope("bad", "b", time.Now()), res.resolve)
	buf.Submit(t.Context(), logEnvelope("good", "c", time.Now()), res.resolve)
	buf.Stop()

	assert.Equal(t, 2, res.count(model.Accepted))
	assert.Equal(t, 1, res.count(model.Failed))
}

func TestInsertBuffer_JournalReplayAfterFailedFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.journal")
	j, err := journal.Open(path)
	require.NoError(t, err)

	down := NewInsertBuffer(writerFunc(func([]*model.Envelope) error {
		return errors.New("database unavailable")
	}), InsertBufferConfig{Journal: j})
	var res outcomes
	down.Submit(t.Context(), logEnvelope("app", "kept in journal", time.Now()), res.resolve)
	down.Stop()
	require.Equal(t, 1, res.count(model.Failed))

	j2, err := journal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j2.Close() })

	store := newTestStore(t)
	n, err := ReplayJournal(j2, store, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recent, err := store.RecentEnvelopes(10, model.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "kept in journal", recent[0].Message)

	n, err = ReplayJournal(j2, store, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertBuffer_FailedBatchHoldsJournalCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.journal")
	j, err := journal.Open(path)
	require.NoError(t, err)

	var calls int
	var mu sync.Mutex
	buf := NewInsertBuffer(writerFunc(func([]*model.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("database unavailable")
		}
		return nil
	}), InsertBufferConfig{BatchSize: 1, FlushInterval: time.Hour, Journal: j})
	var res outcomes

	buf.Submit(t.Context(), logEnvelope("app", "first", time.Now()), res.resolve)
	require.Eventually(t, func() bool { return res.count(model.Failed) == 1 }, time.Second, 5*time.Millisecond)
	buf.Submit(t.Context(), logEnvelope("app", "second", time.Now()), res.resolve)
	require.Eventually(t, func() bool { return res.count(model.Accepted) == 1 }, time.Second, 5*time.Millisecond)

	assert.Zero(t, j.Committed(), "a stored batch must not commit past an earlier failed one")
	buf.Stop()

	j2, err := journal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j2.Close() })
	store := newTestStore(t)
	n, err := ReplayJournal(j2, store, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recent, err := store.RecentEnvelopes(10, model.QueryOpts{})
	require.NoError(t, err)
	var msgs []string
	for _, r := range recent {
		msgs = append(msgs, r.Message)
	}
	assert.Contains(t, msgs, "first")
}

func TestCommitTrackerStopsAtOldestOpen(t *testing.T) {
	var ct commitTracker
	for seq := uint64(1); seq <= 5; seq++ {
		ct.open(seq)
	}

	_, ok := ct.settle([]uint64{2, 3})
	assert.False(t, ok, "seq 1 is still open")

	mark, ok := ct.settle([]uint64{1})
	require.True(t, ok)
	assert.Equal(t, uint64(3), mark)

	mark, ok = ct.settle([]uint64{5})
	assert.False(t, ok)
	assert.Zero(t, mark)

	mark, ok = ct.settle([]uint64{4})
	require.True(t, ok)
	assert.Equal(t, uint64(5), mark)
}
