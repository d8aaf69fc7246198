package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/ingress/internal/model"
)

func logEnv(msg string) *model.Envelope {
	return &model.Envelope{
		Timestamp: 1700000000000000000,
		SourceID:  "app",
		Tags:      map[string]string{"env": "test"},
		Payload:   &model.Log{Payload: []byte(msg)},
	}
}

func replayMessages(t *testing.T, j *Journal) []string {
	t.Helper()
	var out []string
	require.NoError(t, j.Replay(func(_ uint64, env *model.Envelope) error {
		out = append(out, string(env.Payload.(*model.Log).Payload))
		return nil
	}))
	return out
}

func TestAppendReplayCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.journal")

	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	seq1, err := j.Append(logEnv("first"))
	require.NoError(t, err)
	seq2, err := j.Append(&model.Envelope{Timestamp: 2, Payload: &model.Counter{Name: "c", Total: 5}})
	require.NoError(t, err)
	require.Greater(t, seq2, seq1)

	require.NoError(t, j.Commit(seq1))
	assert.Equal(t, seq1, j.Committed())

	var kinds []model.PayloadKind
	require.NoError(t, j.Replay(func(seq uint64, env *model.Envelope) error {
		assert.Equal(t, seq2, seq)
		kinds = append(kinds, env.Kind())
		return nil
	}))
	assert.Equal(t, []model.PayloadKind{model.KindCounter}, kinds)
}

func TestOpenCompactsCommittedAndKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.journal")

	j, err := Open(path)
	require.NoError(t, err)
	for _, msg := range []string{"a", "b", "c"} {
		_, err := j.Append(logEnv(msg))
		require.NoError(t, err)
	}
	require.NoError(t, j.Commit(2))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()

	assert.Equal(t, []string{"c"}, replayMessages(t, j2))
	seq, err := j2.Append(logEnv("d"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestOpenIgnoresTornTrailingFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.journal")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(logEnv("ok"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// simulate a crash in the middle of a write
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x08, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()
	assert.Equal(t, []string{"ok"}, replayMessages(t, j2))
}

func TestReplayStopsAtCorruptFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.journal")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(logEnv("good"))
	require.NoError(t, err)
	_, err = j.Append(logEnv("flipped"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	j2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()
	assert.Equal(t, []string{"good"}, replayMessages(t, j2))
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
