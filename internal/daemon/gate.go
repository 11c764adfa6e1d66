package daemon

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cmdward/cmdward/internal/allowlist"
	"github.com/cmdward/cmdward/internal/approval"
	"github.com/cmdward/cmdward/internal/history"
)

// Gate wires the approval handlers to policy, audit, and notification
// concerns. It consults the allowlist before parking a request: commands the
// agent's policy already settles are answered immediately and never become
// pending records.
type Gate struct {
	store    *approval.Store
	handlers *approval.Handlers
	logger   *log.Logger

	allowPath string
	safeBins  map[string]bool

	mu    sync.RWMutex
	allow *allowlist.File

	hist     *history.DB
	notifier *Notifier

	bc approval.Broadcaster
}

// GateOptions configures a Gate.
type GateOptions struct {
	AllowlistPath  string
	SafeBins       []string
	DefaultTimeout time.Duration
	History        *history.DB
	Notifier       *Notifier
	Logger         *log.Logger
}

// NewGate creates a gate. The allowlist file is loaded eagerly; a missing
// file is an empty allowlist, not an error.
func NewGate(opts GateOptions) (*Gate, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	allow, err := allowlist.Load(opts.AllowlistPath)
	if err != nil {
		return nil, err
	}

	safeBins := opts.SafeBins
	if len(safeBins) == 0 {
		safeBins = allowlist.DefaultSafeBins
	}

	store := approval.NewStore()
	handlers := approval.NewHandlers(store)
	if opts.DefaultTimeout > 0 {
		handlers.WithDefaultTimeout(opts.DefaultTimeout)
	}

	g := &Gate{
		store:     store,
		handlers:  handlers,
		logger:    logger,
		allowPath: opts.AllowlistPath,
		safeBins:  allowlist.SafeBinSet(safeBins),
		allow:     allow,
		hist:      opts.History,
		notifier:  opts.Notifier,
	}
	handlers.SetObserver(g.onFinal)
	return g, nil
}

// Bind attaches the broadcaster that carries approval events to observers.
// Must be called before the gate handles traffic.
func (g *Gate) Bind(bc approval.Broadcaster) {
	g.bc = notifyingBroadcaster{bc: bc, gate: g}
}

// notifyingBroadcaster drives the "approval needed" notification off the
// requested broadcast, which only fires once the record is registered.
// Requests that fail validation or the duplicate-id check never notify.
type notifyingBroadcaster struct {
	bc   approval.Broadcaster
	gate *Gate
}

func (n notifyingBroadcaster) Broadcast(eventType string, payload any) {
	n.bc.Broadcast(eventType, payload)
	if eventType != approval.EventRequested || n.gate.notifier == nil {
		return
	}
	if snap, ok := payload.(approval.PendingSnapshot); ok {
		n.gate.notifier.Requested(context.Background(), snap.Command, snap.AgentID)
	}
}

// PendingCount reports the number of requests awaiting a decision.
func (g *Gate) PendingCount() int {
	return g.store.PendingCount()
}

// Reload re-reads the allowlist file. Called by the file watcher so edits
// made while the daemon runs take effect on the next request.
func (g *Gate) Reload() error {
	allow, err := allowlist.Load(g.allowPath)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.allow = allow
	g.mu.Unlock()
	g.logger.Info("allowlist reloaded", "path", g.allowPath)
	return nil
}

func (g *Gate) snapshot() *allowlist.File {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allow
}

// policyParams is the subset of request params the gate needs for its
// precheck. Full validation stays with the approval handlers.
type policyParams struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Security string `json:"security"`
	Ask      string `json:"ask"`
	AgentID  string `json:"agentId"`
	ID       string `json:"id"`
}

// HandleRequest answers policy-settled commands immediately and parks the
// rest as pending approvals.
func (g *Gate) HandleRequest(params json.RawMessage, respond approval.RespondFunc) {
	var p policyParams
	if err := json.Unmarshal(params, &p); err == nil && strings.TrimSpace(p.Command) != "" {
		// A supplied id that is already pending is a conflict even when
		// policy would settle the command without parking it.
		if id := strings.TrimSpace(p.ID); id != "" {
			if _, pending := g.store.Get(id); pending {
				respond(nil, &approval.Error{Code: approval.CodeConflict, Message: approval.ErrAlreadyPending.Error()})
				return
			}
		}
		if decision, settled := g.precheck(p); settled {
			id := strings.TrimSpace(p.ID)
			if id == "" {
				id = uuid.NewString()
			}
			respond(approval.RequestResult{ID: id, Decision: &decision}, nil)
			return
		}
	}

	g.handlers.HandleRequest(params, respond, g.bc)
}

// precheck evaluates agent policy. The second return is false when the
// command needs a human.
func (g *Gate) precheck(p policyParams) (approval.Decision, bool) {
	resolved := g.snapshot().Resolve(p.AgentID)

	security := resolved.Security
	if s := allowlist.Security(strings.TrimSpace(p.Security)); s != "" && s.Valid() {
		security = s
	}
	ask := resolved.Ask
	if a := allowlist.Ask(strings.TrimSpace(p.Ask)); a != "" && a.Valid() {
		ask = a
	}

	analysis := allowlist.Analyze(p.Command, p.Cwd)
	ev := allowlist.Evaluate(analysis, resolved.Allowlist, g.safeBins, p.Cwd)

	if allowlist.RequiresApproval(ask, security, analysis.OK, ev.Satisfied) {
		return "", false
	}

	switch security {
	case allowlist.SecurityFull:
		return approval.DecisionAllowOnce, true
	case allowlist.SecurityAllowlist:
		if !ev.Satisfied {
			// ask=off with an uncovered command: the policy denies without
			// asking anyone.
			return approval.DecisionDeny, true
		}
		g.recordUse(p, ev)
		return approval.DecisionAllowOnce, true
	default:
		return approval.DecisionDeny, true
	}
}

func (g *Gate) recordUse(p policyParams, ev *allowlist.Evaluation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, entry := range ev.Matches {
		g.allow.RecordUse(p.AgentID, entry.Pattern, p.Command, entry.LastResolvedPath)
	}
	if err := allowlist.Save(g.allowPath, g.allow); err != nil {
		g.logger.Warn("persisting allowlist usage failed", "error", err)
	}
}

// HandleResolve forwards to the approval handlers.
func (g *Gate) HandleResolve(params json.RawMessage, respond approval.RespondFunc) {
	g.handlers.HandleResolve(params, respond, g.bc)
}

// HandlePending forwards to the approval handlers.
func (g *Gate) HandlePending(params json.RawMessage, respond approval.RespondFunc) {
	g.handlers.HandlePending(params, respond)
}

// onFinal runs for every finalized record: audit it, learn allow-always
// decisions, and notify.
func (g *Gate) onFinal(rec *approval.Record) {
	if g.hist != nil {
		if err := g.hist.Record(rec); err != nil {
			g.logger.Warn("recording approval outcome failed", "id", rec.ID, "error", err)
		}
	}

	if rec.Decision != nil && *rec.Decision == approval.DecisionAllowAlways {
		g.learn(rec)
	}

	if g.notifier != nil {
		g.notifier.Finalized(context.Background(), rec)
	}
}

// learn appends the resolved executable of an allow-always decision to the
// requesting agent's allowlist.
func (g *Gate) learn(rec *approval.Record) {
	pattern := strings.TrimSpace(rec.Request.ResolvedPath)
	if pattern == "" {
		analysis := allowlist.Analyze(rec.Request.Command, rec.Request.Cwd)
		if analysis.OK && len(analysis.Segments) == 1 && analysis.Segments[0].Resolution.Path != "" {
			pattern = analysis.Segments[0].Resolution.Path
		}
	}
	if pattern == "" {
		g.logger.Debug("allow-always with no resolvable pattern, skipping learn", "id", rec.ID)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.allow.AddEntry(rec.Request.AgentID, pattern); err != nil {
		g.logger.Warn("adding allowlist entry failed", "pattern", pattern, "error", err)
		return
	}
	g.allow.RecordUse(rec.Request.AgentID, pattern, rec.Request.Command, rec.Request.ResolvedPath)
	if err := allowlist.Save(g.allowPath, g.allow); err != nil {
		g.logger.Warn("persisting learned allowlist entry failed", "error", err)
		return
	}
	g.logger.Info("allowlist entry learned", "agent", rec.Request.AgentID, "pattern", pattern)
}
