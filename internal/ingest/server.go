package ingest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/tinytelemetry/ingress/internal/model"
)

// RPC names as they appear in the service descriptor.
const (
	RPCSender      = "Sender"
	RPCBatchSender = "BatchSender"
	RPCSend        = "Send"
)

// ProducerMetadataKey optionally names the producer of a call.
const ProducerMetadataKey = "x-ingress-producer"

// Config tunes flow control and lifecycle of the ingest engine.
type Config struct {
	SessionCredit  int           // envelopes a session may have at the sink
	MaxSessions    int           // concurrent calls across all RPCs
	MaxInflight    int64         // credit reserved across all calls
	UnaryTimeout   time.Duration // bound on one Send
	DrainGrace     time.Duration // wait for outstanding units on clean end
	AckDetailLimit int           // per-item acks kept in a stream response
}

func (c Config) withDefaults() Config {
	if c.SessionCredit <= 0 {
		c.SessionCredit = model.DefaultSessionCredit
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = model.DefaultMaxSessions
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = model.DefaultMaxInflight
	}
	if c.UnaryTimeout <= 0 {
		c.UnaryTimeout = model.DefaultUnaryTimeout
	}
	if c.DrainGrace < 0 {
		c.DrainGrace = 0
	}
	if c.AckDetailLimit == 0 {
		c.AckDetailLimit = model.DefaultAckDetailLimit
	}
	return c
}

// streamReply is the send side shared by Sender and BatchSender streams.
type streamReply interface {
	SendAndClose(*model.Response) error
	SetTrailer(metadata.MD)
}

// Server implements the Ingress RPCs on top of a Sink.
type Server struct {
	cfg     Config
	sink    Sink
	limiter *Limiter
	acks    *Acknowledger
	unary   *UnarySendHandler
	log     logrus.FieldLogger
	metrics *counters
	started time.Time

	abortCtx context.Context
	abortAll context.CancelCauseFunc

	mu       sync.Mutex
	sessions map[string]*StreamSession
	closing  bool
	calls    sync.WaitGroup
}

func NewServer(sink Sink, logger logrus.FieldLogger, conf ...Config) *Server {
	var cfg Config
	if len(conf) > 0 {
		cfg = conf[0]
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	logger = logger.WithField("component", "ingest")

	abortCtx, abortAll := context.WithCancelCause(context.Background())
	metrics := &counters{}
	limiter := NewLimiter(cfg.MaxSessions, cfg.MaxInflight)
	return &Server{
		cfg:     cfg,
		sink:    sink,
		limiter: limiter,
		acks:    NewAcknowledger(),
		unary: &UnarySendHandler{
			sink:    sink,
			limiter: limiter,
			timeout: cfg.UnaryTimeout,
			abort:   abortCtx,
			log:     logger.WithField("rpc", RPCSend),
			metrics: metrics,
		},
		log:      logger,
		metrics:  metrics,
		started:  time.Now(),
		abortCtx: abortCtx,
		abortAll: abortAll,
		sessions: make(map[string]*StreamSession),
	}
}

func (s *Server) Sender(stream grpc.ClientStreamingServer[model.Envelope, model.Response]) error {
	return s.serveStream(stream.Context(), RPCSender, func() ([]*model.Envelope, error) {
		env, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		return []*model.Envelope{env}, nil
	}, stream)
}

func (s *Server) BatchSender(stream grpc.ClientStreamingServer[model.EnvelopeBatch, model.Response]) error {
	return s.serveStream(stream.Context(), RPCBatchSender, func() ([]*model.Envelope, error) {
		batch, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		return batch.Envelopes, nil
	}, stream)
}

func (s *Server) Send(ctx context.Context, batch *model.EnvelopeBatch) (*model.Response, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, status.Error(codes.Unavailable, "ingress is shutting down")
	}
	s.calls.Add(1)
	s.mu.Unlock()
	defer s.calls.Done()

	return s.unary.Send(ctx, batch)
}

func (s *Server) serveStream(ctx context.Context, rpc string, recv unitSource, reply streamReply) error {
	sess, err := s.openSession(ctx, rpc)
	if err != nil {
		return err
	}
	defer s.closeSession(sess)

	resp, err := sess.run(recv)
	if err != nil {
		return err
	}
	reply.SetTrailer(metadata.Pairs(
		"x-ingress-session", resp.SessionID,
		"x-ingress-accepted", strconv.FormatUint(resp.Accepted, 10),
		"x-ingress-failed", strconv.FormatUint(resp.Rejected(), 10),
	))
	return reply.SendAndClose(resp)
}

func (s *Server) openSession(ctx context.Context, rpc string) (*StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, status.Error(codes.Unavailable, "ingress is shutting down")
	}

	producer := producerOf(ctx)
	res, err := s.limiter.Reserve(int64(s.cfg.SessionCredit))
	if err != nil {
		s.metrics.rejectedCalls.Add(1)
		s.log.WithError(err).WithFields(logrus.Fields{"rpc": rpc, "producer": producer}).Warn("rejecting stream")
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}

	id := uuid.NewString()
	sess := newStreamSession(ctx, s.abortCtx, id, rpc, producer, sessionConfig{
		credit:         int64(s.cfg.SessionCredit),
		drainGrace:     s.cfg.DrainGrace,
		ackDetailLimit: s.cfg.AckDetailLimit,
		batched:        rpc == RPCBatchSender,
	}, s.sink, s.acks.Open(id), s.metrics, s.log)
	sess.reservation = res
	s.sessions[id] = sess
	s.calls.Add(1)
	return sess, nil
}

func (s *Server) closeSession(sess *StreamSession) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.acks.Close(sess.id)
	sess.reservation.Release()
	s.calls.Done()
}

func producerOf(ctx context.Context) string {
	addr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if names := md.Get(ProducerMetadataKey); len(names) > 0 && names[0] != "" {
			return names[0] + "@" + addr
		}
	}
	return addr
}

// Shutdown stops accepting calls and asks every session to drain. Calls
// still running when ctx ends are aborted; Shutdown returns once all calls
// have returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*StreamSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.log.WithField("sessions", len(sessions)).Info("draining sessions")
	for _, sess := range sessions {
		sess.requestDrain()
	}

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.sessions)
	s.mu.Unlock()
	s.log.WithField("sessions", remaining).Warn("shutdown grace elapsed, aborting calls")
	s.abortAll(errForcedShutdown)
	<-done
	return fmt.Errorf("ingest: aborted %d sessions: %w", remaining, ctx.Err())
}

// SetLimits applies new global ceilings to calls opened from now on.
func (s *Server) SetLimits(maxSessions int, maxInflight int64) {
	s.limiter.SetLimits(maxSessions, maxInflight)
	s.log.WithFields(logrus.Fields{"max_sessions": maxSessions, "max_inflight": maxInflight}).Info("limits updated")
}

func (s *Server) Stats() model.IngressStats {
	sessions, inflight, maxSessions, maxInflight := s.limiter.Snapshot()
	return model.IngressStats{
		ActiveSessions:   sessions,
		MaxSessions:      maxSessions,
		ReservedInflight: inflight,
		MaxInflight:      maxInflight,
		Received:         s.metrics.received.Load(),
		Dispositions:     s.metrics.snapshot(),
		RejectedCalls:    s.metrics.rejectedCalls.Load(),
		Uptime:           time.Since(s.started).Truncate(time.Second).String(),
	}
}

// Sessions lists live stream sessions, oldest first.
func (s *Server) Sessions() []model.SessionInfo {
	s.mu.Lock()
	infos := make([]model.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Opened.Before(infos[j].Opened) })
	return infos
}
