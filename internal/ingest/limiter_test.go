package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSessionCeiling(t *testing.T) {
	t.Parallel()

	l := NewLimiter(1, 0)
	r, err := l.Reserve(10)
	require.NoError(t, err)

	_, err = l.Reserve(1)
	assert.ErrorIs(t, err, ErrSessionLimit)

	r.Release()
	r.Release()
	sessions, inflight, _, _ := l.Snapshot()
	assert.Equal(t, 0, sessions)
	assert.Equal(t, int64(0), inflight)

	_, err = l.Reserve(1)
	assert.NoError(t, err)
}

func TestLimiterInflightCeiling(t *testing.T) {
	t.Parallel()

	l := NewLimiter(0, 8)
	_, err := l.Reserve(5)
	require.NoError(t, err)
	_, err = l.Reserve(4)
	assert.ErrorIs(t, err, ErrInflightLimit)
	_, err = l.Reserve(3)
	assert.NoError(t, err)
}

func TestLimiterSetLimitsAffectsNewCalls(t *testing.T) {
	t.Parallel()

	l := NewLimiter(2, 0)
	_, err := l.Reserve(1)
	require.NoError(t, err)
	_, err = l.Reserve(1)
	require.NoError(t, err)

	l.SetLimits(1, 0)
	_, err = l.Reserve(1)
	assert.ErrorIs(t, err, ErrSessionLimit)

	sessions, _, maxSessions, _ := l.Snapshot()
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 1, maxSessions)
}

func TestCreditBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	c := newCredit(1)
	require.True(t, c.tryAcquire())
	assert.False(t, c.tryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.acquire(ctx))
	assert.Equal(t, int64(1), c.outstanding())

	c.release()
	assert.NoError(t, c.acquire(context.Background()))
}
