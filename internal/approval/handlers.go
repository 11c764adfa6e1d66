package approval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Method names of the approval message contract.
const (
	MethodRequest = "exec.approval.request"
	MethodResolve = "exec.approval.resolve"
	MethodPending = "exec.approval.pending"
)

// Broadcast event names. Broadcast is fire-and-forget from the core's
// perspective; delivery guarantees belong to the transport.
const (
	EventRequested = "exec.approval.requested"
	EventResolved  = "exec.approval.resolved"
)

// DefaultTimeout bounds a request that supplies no timeoutMs.
const DefaultTimeout = 60 * time.Second

// Error codes mirror JSON-RPC conventions so transports can pass them through.
const (
	CodeInvalidParams = -32602
	CodeConflict      = -32001
	CodeNotFound      = -32002
)

// Error is a handler failure reported synchronously to the caller.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func invalidParams(method, detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid %s params: %s", method, detail)}
}

// Broadcaster delivers events to observers (operator consoles, CLIs).
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// RespondFunc delivers the result of a handled call. Exactly one of result
// and err is non-nil; it is invoked exactly once per call.
type RespondFunc func(result any, err *Error)

// Handlers exposes the approval message contract on top of a Store. It holds
// no state of its own.
type Handlers struct {
	store          *Store
	defaultTimeout time.Duration
	observer       func(*Record)
}

// NewHandlers creates handlers backed by the given store.
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store, defaultTimeout: DefaultTimeout}
}

// WithDefaultTimeout overrides the timeout applied when a request supplies
// no timeoutMs.
func (h *Handlers) WithDefaultTimeout(d time.Duration) *Handlers {
	if d > 0 {
		h.defaultTimeout = d
	}
	return h
}

// SetObserver registers fn to receive each finalized record, after its
// terminal broadcast and before the request response is delivered. Used for
// audit logging and allowlist learning; nil disables it.
func (h *Handlers) SetObserver(fn func(*Record)) {
	h.observer = fn
}

// requestParams is the wire shape of exec.approval.request.
type requestParams struct {
	ID           string         `json:"id"`
	Command      string         `json:"command"`
	Cwd          string         `json:"cwd"`
	Host         string         `json:"host"`
	Security     string         `json:"security"`
	Ask          string         `json:"ask"`
	AgentID      string         `json:"agentId"`
	ResolvedPath OptionalString `json:"resolvedPath"`
	SessionKey   string         `json:"sessionKey"`
	TimeoutMs    int64          `json:"timeoutMs"`
}

// RequestResult is the success result of exec.approval.request. Decision is
// null when the request expired without an explicit decision; callers must
// treat that as a deny.
type RequestResult struct {
	ID       string    `json:"id"`
	Decision *Decision `json:"decision"`
}

// resolveParams is the wire shape of exec.approval.resolve.
type resolveParams struct {
	ID         string   `json:"id"`
	Decision   Decision `json:"decision"`
	ResolvedBy string   `json:"resolvedBy"`
}

// ResolveResult is the success result of exec.approval.resolve.
type ResolveResult struct {
	ID       string   `json:"id"`
	Decision Decision `json:"decision"`
	OK       bool     `json:"ok"`
}

// ResolvedEvent is the payload of an exec.approval.resolved broadcast.
type ResolvedEvent struct {
	ID         string   `json:"id"`
	Decision   Decision `json:"decision"`
	ResolvedBy string   `json:"resolvedBy,omitempty"`
}

// PendingResult is the success result of exec.approval.pending.
type PendingResult struct {
	NowMs   int64             `json:"nowMs"`
	Pending []PendingSnapshot `json:"pending"`
}

// HandleRequest processes exec.approval.request. It validates the params,
// rejects ids that are already pending, registers the record, broadcasts the
// new request, then blocks until resolution or timeout. The response is
// delivered exactly once, after the wait completes.
func (h *Handlers) HandleRequest(params json.RawMessage, respond RespondFunc, bc Broadcaster) {
	var p requestParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, invalidParams(MethodRequest, err.Error()))
		return
	}

	if strings.TrimSpace(p.Command) == "" {
		respond(nil, invalidParams(MethodRequest, "command is required"))
		return
	}

	timeout := h.defaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	rec := h.store.Create(Request{
		Command:      p.Command,
		Cwd:          p.Cwd,
		Host:         p.Host,
		Security:     p.Security,
		Ask:          p.Ask,
		AgentID:      p.AgentID,
		ResolvedPath: p.ResolvedPath.String(),
		SessionKey:   p.SessionKey,
	}, timeout, strings.TrimSpace(p.ID))

	// Registration is the duplicate-detection arbiter: a second request for
	// a pending id fails here with no record created and no broadcast.
	waiter, err := h.store.Register(rec)
	if err != nil {
		respond(nil, &Error{Code: CodeConflict, Message: ErrAlreadyPending.Error()})
		return
	}

	// Requested always precedes any resolved broadcast for the same id. A
	// resolver may react to this synchronously; the entry is already pending.
	bc.Broadcast(EventRequested, rec.Snapshot(h.store.now()))

	final := waiter.Wait()
	if h.observer != nil {
		h.observer(final)
	}
	respond(RequestResult{ID: final.ID, Decision: final.Decision}, nil)
}

// HandleResolve processes exec.approval.resolve. Safe to call concurrently
// with, or from inside, the requested broadcast handler of the same request.
func (h *Handlers) HandleResolve(params json.RawMessage, respond RespondFunc, bc Broadcaster) {
	var p resolveParams
	if err := json.Unmarshal(params, &p); err != nil {
		respond(nil, invalidParams(MethodResolve, err.Error()))
		return
	}

	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		respond(nil, invalidParams(MethodResolve, "id is required"))
		return
	}
	if !p.Decision.Valid() {
		respond(nil, invalidParams(MethodResolve, fmt.Sprintf("unknown decision %q", p.Decision)))
		return
	}

	_, ok := h.store.Resolve(p.ID, p.Decision, strings.TrimSpace(p.ResolvedBy), func(rec *Record) {
		bc.Broadcast(EventResolved, ResolvedEvent{
			ID:         rec.ID,
			Decision:   *rec.Decision,
			ResolvedBy: rec.ResolvedBy,
		})
	})
	if !ok {
		respond(nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("approval %s not found or already resolved", p.ID)})
		return
	}

	respond(ResolveResult{ID: p.ID, Decision: p.Decision, OK: true}, nil)
}

// HandlePending processes exec.approval.pending. The method takes no
// parameters; any unrecognized key is a validation failure.
func (h *Handlers) HandlePending(params json.RawMessage, respond RespondFunc) {
	if len(params) > 0 {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(params, &keys); err != nil {
			respond(nil, invalidParams(MethodPending, err.Error()))
			return
		}
		if len(keys) > 0 {
			names := make([]string, 0, len(keys))
			for k := range keys {
				names = append(names, k)
			}
			sort.Strings(names)
			respond(nil, invalidParams(MethodPending, fmt.Sprintf("unrecognized key %q", names[0])))
			return
		}
	}

	now := h.store.now()
	respond(PendingResult{
		NowMs:   now.UnixMilli(),
		Pending: h.store.ListPending(now),
	}, nil)
}
