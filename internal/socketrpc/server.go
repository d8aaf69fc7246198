package socketrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/ingress/internal/model"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (1 MB).
	scannerInitBufSize = 1024 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (10 MB).
	scannerMaxTokenSize = 10 * 1024 * 1024
)

var logger = logrus.WithField("component", "socketrpc")

// Server answers JSON-RPC 2.0 requests on a Unix domain socket.
type Server struct {
	socketPath string
	stats      model.StatsSource
	store      model.EnvelopeQuerier
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer creates a new socket RPC server. Either source may be nil;
// methods that need it then fail with an unavailable error.
func NewServer(socketPath string, stats model.StatsSource, store model.EnvelopeQuerier) *Server {
	return &Server{
		socketPath: socketPath,
		stats:      stats,
		store:      store,
		quit:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			// nobody is listening: stale socket file
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	logger.WithField("path", s.socketPath).Info("listening")
	return nil
}

// Stop closes the listener and open connections, waits for handlers to
// return, and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				// transient errors such as fd exhaustion must not end the loop
				logger.WithError(err).Warn("accept error")
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			encoder.Encode(Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: codeParse, Message: "parse error"}})
			continue
		}

		if err := encoder.Encode(s.dispatch(req)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v interface{}, err error) Response {
		if err != nil {
			resp.Error = &RPCError{Code: codeApplication, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: codeInternal, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	fail := func(code int, msg string) Response {
		resp.Error = &RPCError{Code: code, Message: msg}
		return resp
	}

	// optional params may be empty or null; anything else must parse
	parse := func(dst interface{}, optional bool) error {
		if optional && (len(req.Params) == 0 || string(req.Params) == "null") {
			return nil
		}
		return json.Unmarshal(req.Params, dst)
	}

	switch req.Method {
	case "Stats":
		if s.stats == nil {
			return fail(codeUnavailable, "ingress engine not available")
		}
		return marshalResult(s.stats.Stats(), nil)

	case "Sessions":
		if s.stats == nil {
			return fail(codeUnavailable, "ingress engine not available")
		}
		return marshalResult(s.stats.Sessions(), nil)

	case "TotalEnvelopeCount", "CountsByKind", "TopSources", "RecentEnvelopes":
		if s.store == nil {
			return fail(codeUnavailable, "no queryable storage configured")
		}
	default:
		return fail(codeNoMethod, fmt.Sprintf("method not found: %s", req.Method))
	}

	var p struct {
		Limit int
		Opts  model.QueryOpts
	}
	optional := req.Method == "TotalEnvelopeCount" || req.Method == "CountsByKind"
	if err := parse(&p, optional); err != nil {
		return fail(codeBadParams, fmt.Sprintf("invalid params: %v", err))
	}
	if !optional && p.Limit <= 0 {
		p.Limit = 100
	}

	switch req.Method {
	case "TotalEnvelopeCount":
		return marshalResult(s.store.TotalEnvelopeCount(p.Opts))
	case "CountsByKind":
		return marshalResult(s.store.CountsByKind(p.Opts))
	case "TopSources":
		return marshalResult(s.store.TopSources(p.Limit, p.Opts))
	default:
		return marshalResult(s.store.RecentEnvelopes(p.Limit, p.Opts))
	}
}
