package ingressrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/wire"
)

const (
	// DefaultMaxRecvMsgSize bounds one inbound message (a batch on Send and BatchSender).
	DefaultMaxRecvMsgSize = 16 * 1024 * 1024

	// DefaultMaxConcurrentStreams bounds streams per HTTP/2 connection.
	DefaultMaxConcurrentStreams = 1000
)

// ServerConfig holds tunable parameters for the gRPC listener.
type ServerConfig struct {
	MaxRecvMsgSize       int
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
}

// Server listens for Ingress calls and serves the gRPC health service
// next to them.
type Server struct {
	listener net.Listener
	addr     string
	grpc     *grpc.Server
	health   *health.Server
	log      logrus.FieldLogger
	wg       sync.WaitGroup
	serveErr error
}

// NewServer creates a gRPC server for ingress. Default addr is model.DefaultGRPCAddr.
func NewServer(addr string, ingress IngressServer, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = model.DefaultGRPCAddr
	}
	cfg := ServerConfig{}
	if len(conf) > 0 {
		cfg = conf[0]
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = DefaultMaxRecvMsgSize
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 2 * time.Minute
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 20 * time.Second
	}

	log := logrus.WithField("component", "ingressrpc")
	gs := grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unaryLogger(log)),
		grpc.ChainStreamInterceptor(streamLogger(log)),
	)
	RegisterIngressServer(gs, ingress)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{addr: addr, grpc: gs, health: hs, log: log}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.Serve(listener)
	return nil
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.WithError(err).Error("serve failed")
			s.serveErr = err
		}
	}()
	s.log.WithField("addr", s.Addr()).Info("listening")
}

// Stop marks the service not serving and waits for running calls to return.
// When ctx ends first the remaining connections are closed forcibly.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-done
		err = ctx.Err()
	}
	s.wg.Wait()
	if err == nil {
		err = s.serveErr
	}
	return err
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
