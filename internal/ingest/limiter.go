package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	ErrSessionLimit  = errors.New("ingest: session limit reached")
	ErrInflightLimit = errors.New("ingest: in-flight limit reached")
)

// Limiter enforces the process-wide ceilings on concurrent calls and on
// reserved in-flight units. A ceiling <= 0 disables that check.
type Limiter struct {
	mu          sync.Mutex
	maxSessions int
	maxInflight int64
	sessions    int
	inflight    int64
}

func NewLimiter(maxSessions int, maxInflight int64) *Limiter {
	return &Limiter{maxSessions: maxSessions, maxInflight: maxInflight}
}

// Reservation is released exactly once, however many times Release is called.
type Reservation struct {
	l    *Limiter
	n    int64
	once sync.Once
}

// Reserve claims one call slot and n in-flight units.
func (l *Limiter) Reserve(n int64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxSessions > 0 && l.sessions >= l.maxSessions {
		return nil, ErrSessionLimit
	}
	if l.maxInflight > 0 && l.inflight+n > l.maxInflight {
		return nil, ErrInflightLimit
	}
	l.sessions++
	l.inflight += n
	return &Reservation{l: l, n: n}, nil
}

func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.l.mu.Lock()
		r.l.sessions--
		r.l.inflight -= r.n
		r.l.mu.Unlock()
	})
}

// SetLimits changes the ceilings. Existing reservations are kept; only new
// calls observe the new values.
func (l *Limiter) SetLimits(maxSessions int, maxInflight int64) {
	l.mu.Lock()
	l.maxSessions = maxSessions
	l.maxInflight = maxInflight
	l.mu.Unlock()
}

// Snapshot returns current usage and ceilings.
func (l *Limiter) Snapshot() (sessions int, inflight int64, maxSessions int, maxInflight int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions, l.inflight, l.maxSessions, l.maxInflight
}

// credit is the per-session window of envelopes forwarded to the sink but
// not yet resolved.
type credit struct {
	sem   *semaphore.Weighted
	limit int64
	held  atomic.Int64
}

func newCredit(limit int64) *credit {
	return &credit{sem: semaphore.NewWeighted(limit), limit: limit}
}

func (c *credit) tryAcquire() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.held.Add(1)
	return true
}

func (c *credit) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.held.Add(1)
	return nil
}

func (c *credit) release() {
	c.held.Add(-1)
	c.sem.Release(1)
}

func (c *credit) outstanding() int64 {
	return c.held.Load()
}
