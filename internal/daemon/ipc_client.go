package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmdward/cmdward/internal/approval"
)

// IPCClient talks to the daemon over its Unix socket. A client multiplexes
// nothing: one in-flight call at a time, which is what the CLI needs. Use a
// dedicated client per blocking approval request.
type IPCClient struct {
	socketPath string
	conn       net.Conn
	scanner    *bufio.Scanner
	mu         sync.Mutex
	nextID     atomic.Int64
}

// NewIPCClient creates a new IPC client.
func NewIPCClient(socketPath string) *IPCClient {
	return &IPCClient{socketPath: socketPath}
}

// Connect establishes a connection to the daemon IPC socket.
func (c *IPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil // Already connected
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}

	c.conn = conn
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return nil
}

// Close closes the connection to the daemon.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.scanner = nil
	return err
}

// call sends a JSON-RPC request and blocks for the response.
func (c *IPCClient) call(method string, params any) (*RPCResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	id := c.nextID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = p
	}

	req := RPCRequest{
		Method: method,
		Params: paramsJSON,
		ID:     id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed")
	}

	var resp RPCResponse
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

// callResult calls and decodes the result into out, surfacing RPC errors.
func (c *IPCClient) callResult(ctx context.Context, method string, params, out any) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	resp, err := c.call(method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}

	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// Ping verifies the daemon is responsive.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.callResult(ctx, "ping", nil, nil)
}

// StatusInfo contains daemon status information.
type StatusInfo struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	PendingCount      int   `json:"pending_count"`
	ActiveConnections int32 `json:"active_connections"`
	Subscribers       int   `json:"subscribers"`
}

// Status returns the daemon's status information.
func (c *IPCClient) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.callResult(ctx, "status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ApprovalRequest is the client-side shape of an approval request.
type ApprovalRequest struct {
	ID           string `json:"id,omitempty"`
	Command      string `json:"command"`
	Cwd          string `json:"cwd,omitempty"`
	Host         string `json:"host,omitempty"`
	Security     string `json:"security,omitempty"`
	Ask          string `json:"ask,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
}

// RequestApproval submits a command for approval and blocks until a human
// decides or the request times out. A nil Decision in the result means
// timeout and must be treated as a deny.
func (c *IPCClient) RequestApproval(ctx context.Context, req ApprovalRequest) (*approval.RequestResult, error) {
	var result approval.RequestResult
	if err := c.callResult(ctx, approval.MethodRequest, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Resolve applies a decision to a pending approval.
func (c *IPCClient) Resolve(ctx context.Context, id string, decision approval.Decision, resolvedBy string) (*approval.ResolveResult, error) {
	var result approval.ResolveResult
	params := map[string]any{
		"id":         id,
		"decision":   decision,
		"resolvedBy": resolvedBy,
	}
	if err := c.callResult(ctx, approval.MethodResolve, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pending lists requests currently awaiting a decision.
func (c *IPCClient) Pending(ctx context.Context) (*approval.PendingResult, error) {
	var result approval.PendingResult
	if err := c.callResult(ctx, approval.MethodPending, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe subscribes to daemon events. Returns a channel that receives
// events until the context is cancelled or the connection drops.
func (c *IPCClient) Subscribe(ctx context.Context) (<-chan Event, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextID.Add(1)
	req := RPCRequest{Method: "subscribe", ID: id}

	data, err := json.Marshal(req)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.conn.Write(data); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	if !c.scanner.Scan() {
		c.mu.Unlock()
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed")
	}

	var resp RPCResponse
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if resp.Error != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe error: %s", resp.Error.Message)
	}

	// The connection is dedicated to the event stream from here on. Reads
	// block indefinitely; cancellation closes the connection to unblock
	// the pending Scan. A read deadline would poison the scanner: once one
	// expired the latched error would end every later Scan immediately.
	conn := c.conn
	scanner := c.scanner
	conn.SetReadDeadline(time.Time{})
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	events := make(chan Event, 100)

	go func() {
		defer close(events)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var eventMsg struct {
				Event Event `json:"event"`
			}
			if err := json.Unmarshal(line, &eventMsg); err != nil {
				continue
			}

			select {
			case events <- eventMsg.Event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
