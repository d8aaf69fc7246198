package socketrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/ingress/internal/model"
)

// Client talks to a running ingressd over its Unix domain socket.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsData}); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return fmt.Errorf("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}
	if resp.ID != id {
		return fmt.Errorf("socketrpc: response id %d does not match request %d", resp.ID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) Stats() (model.IngressStats, error) {
	var result model.IngressStats
	err := c.call("Stats", nil, &result)
	return result, err
}

func (c *Client) Sessions() ([]model.SessionInfo, error) {
	var result []model.SessionInfo
	err := c.call("Sessions", nil, &result)
	return result, err
}

func (c *Client) TotalEnvelopeCount(opts model.QueryOpts) (int64, error) {
	var result int64
	err := c.call("TotalEnvelopeCount", map[string]interface{}{"Opts": opts}, &result)
	return result, err
}

func (c *Client) CountsByKind(opts model.QueryOpts) (map[string]int64, error) {
	var result map[string]int64
	err := c.call("CountsByKind", map[string]interface{}{"Opts": opts}, &result)
	return result, err
}

func (c *Client) TopSources(limit int, opts model.QueryOpts) ([]model.DimensionCount, error) {
	var result []model.DimensionCount
	err := c.call("TopSources", map[string]interface{}{"Limit": limit, "Opts": opts}, &result)
	return result, err
}

func (c *Client) RecentEnvelopes(limit int, opts model.QueryOpts) ([]model.StoredEnvelope, error) {
	var result []model.StoredEnvelope
	err := c.call("RecentEnvelopes", map[string]interface{}{"Limit": limit, "Opts": opts}, &result)
	return result, err
}

var _ model.EnvelopeQuerier = (*Client)(nil)
