// Package daemon runs the approval gate: a Unix socket JSON-RPC server that
// holds pending approvals in memory, broadcasts approval events to
// subscribers, and audits every outcome.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cmdward/cmdward/internal/approval"
)

// JSON-RPC request/response types.
type (
	// RPCRequest is a JSON-RPC style request.
	RPCRequest struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
		ID     int64           `json:"id"`
	}

	// RPCResponse is a JSON-RPC style response.
	RPCResponse struct {
		Result any             `json:"result,omitempty"`
		Error  *approval.Error `json:"error,omitempty"`
		ID     int64           `json:"id"`
	}
)

// Standard JSON-RPC error codes. Approval-specific codes live in the
// approval package.
const (
	ErrCodeParse          = -32700
	ErrCodeMethodNotFound = -32601
)

// IPCServer handles Unix socket IPC for the daemon.
type IPCServer struct {
	socketPath string
	listener   net.Listener
	logger     *log.Logger
	gate       *Gate

	startTime   time.Time
	activeConns atomic.Int32

	subscribers   map[int64]*subscriber
	subscribersMu sync.RWMutex
	nextSubID     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// subscriber tracks an event subscription.
type subscriber struct {
	id     int64
	conn   *ipcConn
	events chan Event
	done   chan struct{}
}

// Event is a daemon event sent to subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	Time    int64  `json:"time"`
}

// ipcConn serializes writes to a connection. Approval requests are answered
// from their own goroutines and may interleave with subscription events on
// the same connection.
type ipcConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *ipcConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// NewIPCServer creates a new IPC server listening on the given Unix socket.
func NewIPCServer(socketPath string, gate *Gate, logger *log.Logger) (*IPCServer, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate is required")
	}

	// Remove stale socket if present.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("creating unix socket: %w", err)
	}

	// Owner only: the socket accepts resolve calls.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		_ = os.Remove(socketPath)
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &IPCServer{
		socketPath:  socketPath,
		listener:    ln,
		logger:      logger,
		gate:        gate,
		startTime:   time.Now(),
		subscribers: make(map[int64]*subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
	gate.Bind(s)
	return s, nil
}

// Start begins accepting connections. Blocks until context is cancelled.
func (s *IPCServer) Start(ctx context.Context) error {
	s.logger.Info("ipc server started", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		s.cancel()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-s.ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop gracefully shuts down the IPC server.
func (s *IPCServer) Stop() error {
	s.cancel()

	if err := s.listener.Close(); err != nil {
		s.logger.Warn("closing listener", "error", err)
	}

	s.subscribersMu.Lock()
	for _, sub := range s.subscribers {
		close(sub.done)
	}
	s.subscribers = make(map[int64]*subscriber)
	s.subscribersMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to close")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket: %w", err)
	}

	s.logger.Info("ipc server stopped")
	return nil
}

// handleConnection processes a single client connection.
func (s *IPCServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	ic := &ipcConn{conn: conn}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; a blocking request outlives this
		// iteration.
		s.dispatch(ic, append([]byte(nil), line...))
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("connection read error", "error", err)
	}
}

// dispatch parses and routes a JSON-RPC request. Approval requests block
// until resolution, so they run on their own goroutine; everything else is
// answered inline.
func (s *IPCServer) dispatch(ic *ipcConn, data []byte) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(ic, &RPCResponse{
			Error: &approval.Error{Code: ErrCodeParse, Message: "parse error: " + err.Error()},
			ID:    0,
		})
		return
	}

	respond := func(result any, herr *approval.Error) {
		s.reply(ic, &RPCResponse{Result: result, Error: herr, ID: req.ID})
	}

	switch req.Method {
	case "ping":
		respond(map[string]bool{"pong": true}, nil)
	case "status":
		respond(s.status(), nil)
	case "subscribe":
		s.subscribe(req, ic)
	case approval.MethodRequest:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.gate.HandleRequest(req.Params, respond)
		}()
	case approval.MethodResolve:
		s.gate.HandleResolve(req.Params, respond)
	case approval.MethodPending:
		s.gate.HandlePending(req.Params, respond)
	default:
		respond(nil, &approval.Error{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method})
	}
}

func (s *IPCServer) reply(ic *ipcConn, resp *RPCResponse) {
	if err := ic.writeJSON(resp); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *IPCServer) status() map[string]any {
	s.subscribersMu.RLock()
	subCount := len(s.subscribers)
	s.subscribersMu.RUnlock()

	return map[string]any{
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"pending_count":      s.gate.PendingCount(),
		"active_connections": s.activeConns.Load(),
		"subscribers":        subCount,
	}
}

// subscribe sets up event streaming for the connection.
func (s *IPCServer) subscribe(req RPCRequest, ic *ipcConn) {
	id := s.nextSubID.Add(1)

	sub := &subscriber{
		id:     id,
		conn:   ic,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
	}

	s.subscribersMu.Lock()
	s.subscribers[id] = sub
	s.subscribersMu.Unlock()

	resp := &RPCResponse{
		Result: map[string]any{
			"subscribed":      true,
			"subscription_id": id,
		},
		ID: req.ID,
	}
	if err := ic.writeJSON(resp); err != nil {
		s.removeSubscriber(id)
		return
	}

	go s.streamEvents(sub)
}

// streamEvents sends events to a subscriber until done.
func (s *IPCServer) streamEvents(sub *subscriber) {
	defer s.removeSubscriber(sub.id)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.events:
			if err := sub.conn.writeJSON(map[string]any{"event": event}); err != nil {
				return
			}
		}
	}
}

// Broadcast sends an event to all subscribers. Implements
// approval.Broadcaster.
func (s *IPCServer) Broadcast(eventType string, payload any) {
	event := Event{
		Type:    eventType,
		Payload: payload,
		Time:    time.Now().Unix(),
	}

	s.subscribersMu.RLock()
	defer s.subscribersMu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub.events <- event:
		default:
			// Buffer full, skip this subscriber.
		}
	}
}

// removeSubscriber removes a subscriber from the map.
func (s *IPCServer) removeSubscriber(id int64) {
	s.subscribersMu.Lock()
	delete(s.subscribers, id)
	s.subscribersMu.Unlock()
}
