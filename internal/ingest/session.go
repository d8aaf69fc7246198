package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/ingress/internal/model"
)

// State is the lifecycle position of a StreamSession.
type State int32

const (
	StateOpen State = iota
	StateActive
	StateCreditExhausted
	StateDraining
	StateAborted
	StateClosed
)

var stateNames = [...]string{
	StateOpen:            "open",
	StateActive:          "active",
	StateCreditExhausted: "credit_exhausted",
	StateDraining:        "draining",
	StateAborted:         "aborted",
	StateClosed:          "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var (
	errServerDraining = errors.New("ingest: server is draining")
	errForcedShutdown = errors.New("ingest: drain grace exceeded during shutdown")
	errSessionClosed  = errors.New("ingest: session closed")
)

// unitSource reads the next unit from the producer. io.EOF marks a clean end.
type unitSource func() ([]*model.Envelope, error)

type pulled struct {
	units []*model.Envelope
	err   error
}

type sessionConfig struct {
	credit         int64
	drainGrace     time.Duration
	ackDetailLimit int
	batched        bool
}

// StreamSession is the server side of one Sender or BatchSender call. A
// single pull loop owns the session; sinks resolve units from their own
// goroutines through the ledger.
type StreamSession struct {
	id       string
	rpc      string
	producer string
	opened   time.Time
	cfg      sessionConfig

	sink    Sink
	ledger  *Ledger
	credit  *credit
	log     logrus.FieldLogger
	metrics *counters

	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopAbort   func() bool
	reservation *Reservation

	state    atomic.Int32
	received atomic.Uint64
	pending  atomic.Int64

	drainReq  chan struct{}
	drainOnce sync.Once
	done      chan struct{}

	// readMu orders the reader's handoff against closeReader, so a unit
	// taken from the transport is either seen by the pull loop or never
	// taken at all.
	readMu     sync.Mutex
	readClosed bool

	nextSeq   uint64
	nextBatch uint64
	resp      *responseBuilder
}

func newStreamSession(
	parent, abort context.Context,
	id, rpc, producer string,
	cfg sessionConfig,
	sink Sink,
	ledger *Ledger,
	metrics *counters,
	logger logrus.FieldLogger,
) *StreamSession {
	ctx, cancel := context.WithCancelCause(parent)
	s := &StreamSession{
		id:       id,
		rpc:      rpc,
		producer: producer,
		opened:   time.Now(),
		cfg:      cfg,
		sink:     sink,
		ledger:   ledger,
		credit:   newCredit(cfg.credit),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		drainReq: make(chan struct{}),
		done:     make(chan struct{}),
		resp:     newResponseBuilder(cfg.ackDetailLimit, cfg.batched),
		log: logger.WithFields(logrus.Fields{
			"session":  id,
			"rpc":      rpc,
			"producer": producer,
		}),
	}
	s.stopAbort = context.AfterFunc(abort, func() {
		cancel(context.Cause(abort))
	})
	return s
}

func (s *StreamSession) ID() string { return s.id }

func (s *StreamSession) State() State { return State(s.state.Load()) }

func (s *StreamSession) setState(st State) {
	for {
		cur := State(s.state.Load())
		// Aborted only ever moves to Closed, Closed never moves.
		if cur == StateClosed || (cur == StateAborted && st != StateClosed) {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(st)) {
			return
		}
	}
}

// Info is a snapshot for admin surfaces.
func (s *StreamSession) Info() model.SessionInfo {
	return model.SessionInfo{
		ID:       s.id,
		RPC:      s.rpc,
		Producer: s.producer,
		State:    s.State().String(),
		Opened:   s.opened,
		Received: s.received.Load(),
		Pending:  s.pending.Load(),
		Credit:   s.credit.limit - s.credit.outstanding(),
	}
}

// requestDrain asks the pull loop to stop reading and finish cleanly.
func (s *StreamSession) requestDrain() {
	s.drainOnce.Do(func() { close(s.drainReq) })
}

// Done is closed once the session reached Closed.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

// run drives the session until the producer ends the stream, the server
// drains it, or the call is cancelled. A nil error comes with the final
// response; otherwise the session was aborted.
func (s *StreamSession) run(recv unitSource) (*model.Response, error) {
	defer close(s.done)

	in := make(chan pulled, 1)
	next := make(chan struct{}, 1)
	go s.read(recv, next, in)

	s.setState(StateActive)
	s.log.Debug("session opened")
	next <- struct{}{}
	for {
		select {
		case p := <-in:
			if p.err != nil {
				if errors.Is(p.err, io.EOF) {
					return s.finish(), nil
				}
				return nil, s.abort(p.err)
			}
			if err := s.onUnit(p.units); err != nil {
				s.closeReader(in)
				if errors.Is(err, errServerDraining) {
					return s.finish(), nil
				}
				return nil, s.abort(err)
			}
			// the transport is read again only once this unit is forwarded
			next <- struct{}{}
		case <-s.drainReq:
			if p, ok := s.closeReader(in); ok {
				s.rejectUnit(p.units, model.Overload("server shutting down"))
			}
			return s.finish(), nil
		case <-s.ctx.Done():
			if p, ok := s.closeReader(in); ok {
				s.rejectUnit(p.units, model.Outcome{Disposition: model.Cancelled, Reason: context.Cause(s.ctx).Error()})
			}
			return nil, s.abort(context.Cause(s.ctx))
		}
	}
}

// read is the only caller of recv. It calls recv once per request on next,
// so it never holds more than the one unit the pull loop asked for.
func (s *StreamSession) read(recv unitSource, next <-chan struct{}, out chan<- pulled) {
	for {
		select {
		case <-next:
		case <-s.done:
			return
		}
		units, err := recv()

		s.readMu.Lock()
		if s.readClosed {
			s.readMu.Unlock()
			return
		}
		out <- pulled{units: units, err: err}
		s.readMu.Unlock()
		if err != nil {
			return
		}
	}
}

// closeReader stops handoffs from the reader and returns the unit it
// delivered but the pull loop has not taken, if any.
func (s *StreamSession) closeReader(in <-chan pulled) (pulled, bool) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.readClosed = true
	select {
	case p := <-in:
		return p, p.err == nil
	default:
		return pulled{}, false
	}
}

// onUnit validates and forwards one unit, waiting for credit per envelope.
func (s *StreamSession) onUnit(units []*model.Envelope) error {
	batch := s.nextBatch
	s.nextBatch++
	s.resp.beginBatch(batch, len(units))
	defer s.collect()

	for i, env := range units {
		seq := s.track(batch, i)
		if err := env.Validate(); err != nil {
			s.ledger.Record(seq, model.Reject(err.Error()))
			continue
		}
		if err := s.acquire(); err != nil {
			o := model.Outcome{Disposition: model.Cancelled, Reason: err.Error()}
			if errors.Is(err, errServerDraining) {
				o = model.Overload("server shutting down")
			}
			s.ledger.Record(seq, o)
			for j := i + 1; j < len(units); j++ {
				s.ledger.Record(s.track(batch, j), o)
			}
			return err
		}
		s.pending.Add(1)
		s.sink.Submit(s.ctx, env, s.resolver(seq))
	}
	return nil
}

func (s *StreamSession) track(batch uint64, index int) uint64 {
	seq := s.nextSeq
	s.nextSeq++
	s.received.Add(1)
	s.metrics.received.Add(1)
	s.ledger.Track(seq, batch, uint32(index))
	return seq
}

// rejectUnit records o for every envelope of a unit that is not forwarded.
func (s *StreamSession) rejectUnit(units []*model.Envelope, o model.Outcome) {
	batch := s.nextBatch
	s.nextBatch++
	s.resp.beginBatch(batch, len(units))
	for i := range units {
		s.ledger.Record(s.track(batch, i), o)
	}
}

// acquire takes one credit, suspending the pull loop while none is left.
// A drain request or cancellation ends the wait.
func (s *StreamSession) acquire() error {
	if s.credit.tryAcquire() {
		return nil
	}
	s.setState(StateCreditExhausted)
	s.log.WithField("credit", s.cfg.credit).Debug("credit exhausted, pull suspended")

	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-s.drainReq:
			cancel(errServerDraining)
		case <-ctx.Done():
		}
	}()
	if err := s.credit.acquire(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	s.setState(StateActive)
	return nil
}

func (s *StreamSession) resolver(seq uint64) ResolveFunc {
	return func(o model.Outcome) {
		if !s.ledger.Record(seq, o) {
			return
		}
		s.pending.Add(-1)
		s.credit.release()
	}
}

// expire records o for every forwarded unit still awaiting the sink and
// returns its credit. Late sink callbacks for those units are ignored.
func (s *StreamSession) expire(o model.Outcome) int {
	n := 0
	for _, seq := range s.ledger.Unresolved() {
		if s.ledger.Record(seq, o) {
			s.pending.Add(-1)
			s.credit.release()
			n++
		}
	}
	return n
}

func (s *StreamSession) collect() {
	acks := s.ledger.Drain()
	s.resp.add(acks)
	s.metrics.count(acks)
}

// finish waits up to the drain grace for outstanding units and builds the
// final response.
func (s *StreamSession) finish() *model.Response {
	s.setState(StateDraining)
	if s.ledger.Outstanding() > 0 {
		timer := time.NewTimer(s.cfg.drainGrace)
		defer timer.Stop()
	wait:
		for s.ledger.Outstanding() > 0 {
			select {
			case <-s.ledger.Notify():
			case <-timer.C:
				n := s.expire(model.Outcome{Disposition: model.DeadlineExceeded, Reason: "drain grace elapsed"})
				s.log.WithField("units", n).Warn("drain grace elapsed with unresolved units")
				break wait
			case <-s.ctx.Done():
				s.setState(StateAborted)
				n := s.expire(model.Outcome{Disposition: model.Cancelled, Reason: context.Cause(s.ctx).Error()})
				s.log.WithField("units", n).Warn("session aborted while draining")
				break wait
			}
		}
	}
	s.collect()
	resp := s.resp.build(s.id)
	s.end()
	s.log.WithFields(logrus.Fields{
		"received": s.received.Load(),
		"accepted": resp.Accepted,
		"rejected": resp.Rejected(),
	}).Info("session closed")
	return resp
}

// abort fails every outstanding unit without waiting and reports cause to
// the caller as a gRPC status.
func (s *StreamSession) abort(cause error) error {
	s.setState(StateAborted)
	s.cancel(cause)
	n := s.expire(model.Outcome{Disposition: model.Cancelled, Reason: cause.Error()})
	s.collect()
	s.end()
	s.log.WithError(cause).WithField("units", n).Warn("session aborted")
	return statusFor(cause)
}

func (s *StreamSession) end() {
	s.stopAbort()
	s.cancel(errSessionClosed)
	s.setState(StateClosed)
}

func statusFor(err error) error {
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	switch {
	case errors.Is(err, errForcedShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
