package duckdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/ingress/internal/ingest"
	"github.com/tinytelemetry/ingress/internal/journal"
	"github.com/tinytelemetry/ingress/internal/model"
)

// DefaultFlushQueueSize is the number of batches that can be queued for async flushing.
const DefaultFlushQueueSize = 64

var logger = logrus.WithField("component", "duckdb")

// BatchError reports the envelopes of a batch that could not be stored,
// keyed by their index in the batch. The rest of the batch was committed.
type BatchError struct {
	Failed map[int]error
}

func (e *BatchError) Error() string {
	idx := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("%d: %v", i, e.Failed[i]))
	}
	return fmt.Sprintf("duckdb: %d envelope(s) not stored (%s)", len(idx), strings.Join(parts, "; "))
}

type pendingEnvelope struct {
	seq     uint64
	env     *model.Envelope
	resolve ingest.ResolveFunc
}

type durableJournal interface {
	Append(env *model.Envelope) (uint64, error)
	Commit(seq uint64) error
	Close() error
}

// InsertBuffer batches envelopes and flushes them to DuckDB asynchronously.
// It is an ingest.Sink: every submitted envelope is resolved exactly once,
// Accepted after its batch commits and Failed when the write does not land.
type InsertBuffer struct {
	writer        model.EnvelopeWriter
	closeMu       sync.RWMutex
	stopped       bool
	mu            sync.Mutex
	pending       []pendingEnvelope
	flushChan     chan []pendingEnvelope
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	stopOnce      sync.Once
	journal       durableJournal
	appendMu      sync.Mutex
	commits       commitTracker

	stored atomic.Uint64
	failed atomic.Uint64

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	Journal        *journal.Journal
}

// NewInsertBuffer creates a new insert buffer that flushes to writer.
func NewInsertBuffer(writer model.EnvelopeWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := 2000
	flushInterval := 100 * time.Millisecond
	flushQueueSize := DefaultFlushQueueSize
	if len(conf) > 0 {
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			flushQueueSize = conf[0].FlushQueueSize
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		pending:       make([]pendingEnvelope, 0, batchSize),
		flushChan:     make(chan []pendingEnvelope, flushQueueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	if len(conf) > 0 && conf[0].Journal != nil {
		b.journal = conf[0].Journal
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds) when
// the flush channel is full and an inline flush is triggered.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		logger.WithField("inline_flushes", count).Warn("backpressure: flush channel full, storage falling behind")
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]pendingEnvelope, 0, b.maxBatch)
	b.mu.Unlock()

	b.enqueue(batch)
}

// enqueue hands a batch to the flush worker, or flushes inline when the
// queue is full.
func (b *InsertBuffer) enqueue(batch []pendingEnvelope) {
	select {
	case b.flushChan <- batch:
	default:
		b.logBackpressure()
		b.flushBatch(batch)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for batch := range b.flushChan {
		b.flushBatch(batch)
	}
}

// Submit queues env for batch insertion. It never blocks on DuckDB IO;
// resolve runs from the flush goroutine once the outcome is known.
func (b *InsertBuffer) Submit(_ context.Context, env *model.Envelope, resolve ingest.ResolveFunc) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.stopped {
		resolve(model.Overload("storage is shutting down"))
		return
	}

	seq := uint64(0)
	if b.journal != nil {
		var err error
		b.appendMu.Lock()
		seq, err = b.journal.Append(env)
		if err == nil {
			b.commits.open(seq)
		}
		b.appendMu.Unlock()
		if err != nil {
			logger.WithError(err).Error("journal append failed")
			b.failed.Add(1)
			resolve(model.Fail(fmt.Errorf("journal append: %w", err)))
			return
		}
	}

	b.mu.Lock()
	b.pending = append(b.pending, pendingEnvelope{seq: seq, env: env, resolve: resolve})
	var batch []pendingEnvelope
	if len(b.pending) >= b.maxBatch {
		batch = b.pending
		b.pending = make([]pendingEnvelope, 0, b.maxBatch)
	}
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
}

// Stop flushes remaining envelopes and waits for all writes to complete.
// Submit after Stop resolves RejectedOverload.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		b.closeMu.Lock()
		b.stopped = true
		b.closeMu.Unlock()

		close(b.done)
		// tickLoop's final drain must land before flushChan closes.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				logger.WithError(err).Error("journal close error")
			}
		}
	})
}

// Counts reports how many envelopes were stored and how many failed.
func (b *InsertBuffer) Counts() (stored, failed uint64) {
	return b.stored.Load(), b.failed.Load()
}

func (b *InsertBuffer) flushBatch(batch []pendingEnvelope) {
	if len(batch) == 0 {
		return
	}

	envs := make([]*model.Envelope, 0, len(batch))
	for _, item := range batch {
		envs = append(envs, item.env)
	}

	err := b.writer.InsertEnvelopeBatch(envs)
	var partial *BatchError
	if err != nil && !errors.As(err, &partial) {
		// Nothing landed. Leave the journal uncommitted so a restart retries.
		logger.WithError(err).WithField("size", len(batch)).Error("flush failed")
		for _, item := range batch {
			item.resolve(model.Fail(err))
		}
		b.failed.Add(uint64(len(batch)))
		return
	}

	b.commitJournal(batch)
	for i, item := range batch {
		if partial != nil {
			if ferr, ok := partial.Failed[i]; ok {
				b.failed.Add(1)
				item.resolve(model.Fail(ferr))
				continue
			}
		}
		b.stored.Add(1)
		item.resolve(model.Accept())
	}
}

func (b *InsertBuffer) commitJournal(batch []pendingEnvelope) {
	if b.journal == nil {
		return
	}
	seqs := make([]uint64, 0, len(batch))
	for _, item := range batch {
		if item.seq > 0 {
			seqs = append(seqs, item.seq)
		}
	}
	mark, ok := b.commits.settle(seqs)
	if !ok {
		return
	}
	if err := b.journal.Commit(mark); err != nil {
		logger.WithError(err).WithField("seq", mark).Error("journal commit failed")
	}
}

// commitTracker finds the journal commit point. Journal sequences open in
// append order and are settled once their batch lands; the commit point is
// the last sequence before the oldest one still open. A batch that never
// lands keeps its sequences open, so later batches cannot commit past it
// and a restart replays it.
type commitTracker struct {
	mu        sync.Mutex
	pending   []uint64
	settled   map[uint64]struct{}
	last      uint64
	committed uint64
}

func (t *commitTracker) open(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, seq)
	t.last = seq
}

// settle marks seqs as stored and reports a new commit point, if any.
func (t *commitTracker) settle(seqs []uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled == nil {
		t.settled = make(map[uint64]struct{})
	}
	for _, seq := range seqs {
		t.settled[seq] = struct{}{}
	}
	n := 0
	for n < len(t.pending) {
		if _, ok := t.settled[t.pending[n]]; !ok {
			break
		}
		delete(t.settled, t.pending[n])
		n++
	}
	t.pending = t.pending[n:]

	mark := t.last
	if len(t.pending) > 0 {
		mark = t.pending[0] - 1
	}
	if mark <= t.committed {
		return 0, false
	}
	t.committed = mark
	return mark, true
}

// InsertEnvelopeBatch appends envelopes into DuckDB in a single transaction.
// If the transaction fails, it is retried envelope-by-envelope and the
// envelopes that still fail are reported through a *BatchError. When the
// database refuses every row the error is a plain one: the whole batch
// failed and none of it may be treated as settled.
func (s *Store) InsertEnvelopeBatch(envs []*model.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]row, len(envs))
	flattenErrs := make(map[int]error)
	for i, env := range envs {
		r, err := flatten(env)
		if err != nil {
			flattenErrs[i] = err
			continue
		}
		rows[i] = r
	}

	if len(flattenErrs) == 0 {
		if err := s.insertBatchTx(ctx, rows); err == nil {
			return nil
		}
	}

	failed := flattenErrs
	var insertErr error
	for i, r := range rows {
		if _, skip := flattenErrs[i]; skip {
			continue
		}
		if err := s.insertBatchTx(ctx, []row{r}); err != nil {
			failed[i] = err
			if insertErr == nil {
				insertErr = err
			}
			logger.WithError(err).WithFields(logrus.Fields{
				"source_id": r.sourceID,
				"kind":      r.kind,
			}).Warn("dropping envelope")
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == len(envs) && insertErr != nil {
		// Nothing landed and the database refused rows it could encode, so
		// the batch as a whole failed rather than the envelopes in it.
		return fmt.Errorf("duckdb: no envelope of the batch stored: %w", insertErr)
	}
	logger.Warnf("batch partially failed: %d/%d envelopes dropped", len(failed), len(envs))
	return &BatchError{Failed: failed}
}

func (s *Store) insertBatchTx(ctx context.Context, rows []row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO envelopes (event_id, timestamp, source_id, instance_id, kind, level, name, message, value, tags, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.args()...); err != nil {
			return fmt.Errorf("envelope insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
