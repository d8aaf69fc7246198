package ingest

import (
	"sort"
	"sync"

	"github.com/tinytelemetry/ingress/internal/model"
)

type unitRef struct {
	batch uint64
	index uint32
}

// Ledger records dispositions for the units of one call. Units must be
// tracked before they can be recorded, which keeps recording idempotent
// without remembering every unit ever seen.
type Ledger struct {
	mu          sync.Mutex
	outstanding map[uint64]unitRef
	recorded    []model.Ack
	notify      chan struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		outstanding: make(map[uint64]unitRef),
		notify:      make(chan struct{}, 1),
	}
}

// Track registers a unit that awaits a disposition.
func (l *Ledger) Track(unit, batch uint64, index uint32) {
	l.mu.Lock()
	l.outstanding[unit] = unitRef{batch: batch, index: index}
	l.mu.Unlock()
}

// Record stores the outcome of a tracked unit. It returns false when the
// unit is unknown or already has a disposition.
func (l *Ledger) Record(unit uint64, o model.Outcome) bool {
	l.mu.Lock()
	ref, ok := l.outstanding[unit]
	if !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.outstanding, unit)
	l.recorded = append(l.recorded, model.Ack{
		Sequence:    unit,
		Batch:       ref.batch,
		Index:       ref.index,
		Disposition: o.Disposition,
		Reason:      o.Reason,
	})
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain returns the dispositions recorded since the previous Drain, in
// recording order.
func (l *Ledger) Drain() []model.Ack {
	l.mu.Lock()
	defer l.mu.Unlock()
	acks := l.recorded
	l.recorded = nil
	return acks
}

// Outstanding is the number of tracked units without a disposition.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outstanding)
}

// Unresolved lists tracked units without a disposition in ascending order.
func (l *Ledger) Unresolved() []uint64 {
	l.mu.Lock()
	units := make([]uint64, 0, len(l.outstanding))
	for u := range l.outstanding {
		units = append(units, u)
	}
	l.mu.Unlock()
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// Notify is signalled after every successful Record.
func (l *Ledger) Notify() <-chan struct{} {
	return l.notify
}

// Acknowledger keeps the ledgers of all live sessions.
type Acknowledger struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger
}

func NewAcknowledger() *Acknowledger {
	return &Acknowledger{ledgers: make(map[string]*Ledger)}
}

// Open returns the ledger for sessionID, creating it on first use.
func (a *Acknowledger) Open(sessionID string) *Ledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.ledgers[sessionID]
	if !ok {
		l = NewLedger()
		a.ledgers[sessionID] = l
	}
	return l
}

func (a *Acknowledger) ledger(sessionID string) *Ledger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ledgers[sessionID]
}

// Record stores the outcome of one unit of a session. Recording the same
// unit twice is a no-op and returns false.
func (a *Acknowledger) Record(sessionID string, unit uint64, o model.Outcome) bool {
	l := a.ledger(sessionID)
	if l == nil {
		return false
	}
	return l.Record(unit, o)
}

// Drain returns the dispositions recorded for sessionID since the previous
// Drain. Each disposition is returned exactly once.
func (a *Acknowledger) Drain(sessionID string) []model.Ack {
	l := a.ledger(sessionID)
	if l == nil {
		return nil
	}
	return l.Drain()
}

// Close forgets a session's ledger.
func (a *Acknowledger) Close(sessionID string) {
	a.mu.Lock()
	delete(a.ledgers, sessionID)
	a.mu.Unlock()
}

// Len is the number of open ledgers.
func (a *Acknowledger) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ledgers)
}
