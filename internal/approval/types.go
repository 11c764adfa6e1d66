// Package approval implements the in-memory coordination core for
// human-in-the-loop command approval: a store of outstanding requests with
// time-bounded waiting, and the message-level handlers built on top of it.
package approval

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Decision represents an explicit resolution of an approval request.
type Decision string

const (
	// DecisionAllowOnce allows the command for this request only.
	DecisionAllowOnce Decision = "allow-once"
	// DecisionAllowAlways allows the command and records it on the allowlist.
	DecisionAllowAlways Decision = "allow-always"
	// DecisionDeny denies the command.
	DecisionDeny Decision = "deny"
)

// Valid returns true if the decision is one of the known values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return true
	default:
		return false
	}
}

// Request is the immutable payload of an approval request. Command is
// required; every other field is optional and normalized so that empty or
// whitespace-only values are absent.
type Request struct {
	// Command is the shell command awaiting approval.
	Command string `json:"command"`
	// Cwd is the working directory at request time.
	Cwd string `json:"cwd,omitempty"`
	// Host labels the machine the command would run on.
	Host string `json:"host,omitempty"`
	// Security is the security mode label in effect (e.g. "allowlist").
	Security string `json:"security,omitempty"`
	// Ask is the ask-policy label in effect (e.g. "on-miss").
	Ask string `json:"ask,omitempty"`
	// AgentID identifies the requesting agent.
	AgentID string `json:"agentId,omitempty"`
	// ResolvedPath is the resolved absolute path of the executable.
	ResolvedPath string `json:"resolvedPath,omitempty"`
	// SessionKey identifies the requesting session.
	SessionKey string `json:"sessionKey,omitempty"`
}

// Normalize returns a copy with all fields whitespace-trimmed.
func (r Request) Normalize() Request {
	return Request{
		Command:      strings.TrimSpace(r.Command),
		Cwd:          strings.TrimSpace(r.Cwd),
		Host:         strings.TrimSpace(r.Host),
		Security:     strings.TrimSpace(r.Security),
		Ask:          strings.TrimSpace(r.Ask),
		AgentID:      strings.TrimSpace(r.AgentID),
		ResolvedPath: strings.TrimSpace(r.ResolvedPath),
		SessionKey:   strings.TrimSpace(r.SessionKey),
	}
}

// Record is an approval request tracked by the store. While pending it is
// owned exclusively by the store; once resolved or expired the finalized
// record is handed back to the original caller.
type Record struct {
	// ID is unique among currently pending records.
	ID string `json:"id"`
	// Request is the approval request payload.
	Request Request `json:"request"`
	// CreatedAtMs is the creation time in milliseconds since epoch.
	CreatedAtMs int64 `json:"createdAtMs"`
	// ExpiresAtMs is CreatedAtMs plus the request timeout.
	ExpiresAtMs int64 `json:"expiresAtMs"`

	// ResolvedAtMs, Decision and ResolvedBy are set only once a resolution
	// occurs; absent while pending.
	ResolvedAtMs int64     `json:"resolvedAtMs,omitempty"`
	Decision     *Decision `json:"decision,omitempty"`
	ResolvedBy   string    `json:"resolvedBy,omitempty"`
}

// Snapshot projects the record into its pending listing shape relative to now.
func (r *Record) Snapshot(now time.Time) PendingSnapshot {
	nowMs := now.UnixMilli()
	waiting := nowMs - r.CreatedAtMs
	if waiting < 0 {
		waiting = 0
	}
	expiresIn := r.ExpiresAtMs - nowMs
	if expiresIn < 0 {
		expiresIn = 0
	}
	return PendingSnapshot{
		ID:           r.ID,
		Command:      r.Request.Command,
		Cwd:          r.Request.Cwd,
		Host:         r.Request.Host,
		Security:     r.Request.Security,
		Ask:          r.Request.Ask,
		AgentID:      r.Request.AgentID,
		ResolvedPath: r.Request.ResolvedPath,
		SessionKey:   r.Request.SessionKey,
		CreatedAtMs:  r.CreatedAtMs,
		ExpiresAtMs:  r.ExpiresAtMs,
		WaitingMs:    waiting,
		ExpiresInMs:  expiresIn,
	}
}

// PendingSnapshot is the read-only listing shape of a pending record,
// derived from the record relative to a caller-supplied "now".
type PendingSnapshot struct {
	ID           string `json:"id"`
	Command      string `json:"command"`
	Cwd          string `json:"cwd,omitempty"`
	Host         string `json:"host,omitempty"`
	Security     string `json:"security,omitempty"`
	Ask          string `json:"ask,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
	WaitingMs    int64  `json:"waitingMs"`
	ExpiresInMs  int64  `json:"expiresInMs"`
}

// OptionalString distinguishes an omitted JSON field from an explicit null
// and from a present string. All three are accepted for resolvedPath; null
// and omitted both mean absent.
type OptionalString struct {
	// Set is true if the field appeared in the JSON document.
	Set bool
	// Null is true if the field was an explicit JSON null.
	Null bool
	// Value is the string value when present.
	Value string
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Null = true
		return nil
	}
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return fmt.Errorf("expected string or null: %w", err)
	}
	return nil
}

// String returns the value, or "" when the field was omitted or null.
func (o OptionalString) String() string {
	if !o.Set || o.Null {
		return ""
	}
	return o.Value
}
