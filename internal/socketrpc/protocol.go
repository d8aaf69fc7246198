package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes live ingress state and, when storage is
// configured, model.EnvelopeQuerier over a Unix domain socket.
//
//   Method               Params                              Result
//   ──────────────────   ─────────────────────────────────   ──────────────────────
//   Stats                (none)                              IngressStats
//   Sessions             (none)                              []SessionInfo
//   TotalEnvelopeCount   {Opts: QueryOpts}                   int64
//   CountsByKind         {Opts: QueryOpts}                   map[string]int64
//   TopSources           {Limit: int, Opts: QueryOpts}       []DimensionCount
//   RecentEnvelopes      {Limit: int, Opts: QueryOpts}       []StoredEnvelope
//
// QueryOpts: {SourceID: string}, empty means all sources.
// Stats, Sessions, TotalEnvelopeCount and CountsByKind accept empty or
// null params.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (query failure)
//   -32001  Unavailable (no storage or no engine behind the socket)

const (
	codeParse       = -32700
	codeNoMethod    = -32601
	codeBadParams   = -32602
	codeInternal    = -32603
	codeApplication = -32000
	codeUnavailable = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/ingressd/ingressd.sock, falling back to
// ~/.local/state/ingressd/ingressd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ingressd", "ingressd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/ingressd.sock"
	}
	return filepath.Join(home, ".local", "state", "ingressd", "ingressd.sock")
}
