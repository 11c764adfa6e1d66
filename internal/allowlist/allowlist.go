// Package allowlist implements the persisted allow-list of command patterns
// and the policy that decides whether a command needs human approval.
//
// The approval core only coordinates the request/decision lifecycle; which
// commands are auto-allowed is decided here, at the edge.
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current allowlist file schema version.
const SchemaVersion = 1

// DefaultAgent is the agent bucket used when no agent id is supplied.
const DefaultAgent = "default"

// WildcardAgent applies to every agent before agent-specific settings.
const WildcardAgent = "*"

// Security is the execution security mode.
type Security string

const (
	// SecurityDeny blocks every command not explicitly allowed.
	SecurityDeny Security = "deny"
	// SecurityAllowlist allows commands matching the allowlist.
	SecurityAllowlist Security = "allowlist"
	// SecurityFull allows all commands without restriction.
	SecurityFull Security = "full"
)

// Valid returns true for a known security mode.
func (s Security) Valid() bool {
	switch s {
	case SecurityDeny, SecurityAllowlist, SecurityFull:
		return true
	default:
		return false
	}
}

// Ask controls when a human is asked for approval.
type Ask string

const (
	// AskOff never asks.
	AskOff Ask = "off"
	// AskOnMiss asks when a command is not covered by the allowlist.
	AskOnMiss Ask = "on-miss"
	// AskAlways always asks.
	AskAlways Ask = "always"
)

// Valid returns true for a known ask policy.
func (a Ask) Valid() bool {
	switch a {
	case AskOff, AskOnMiss, AskAlways:
		return true
	default:
		return false
	}
}

// Entry is one permitted command pattern. Patterns match the resolved
// absolute path of the executable.
type Entry struct {
	ID               string `json:"id,omitempty"`
	Pattern          string `json:"pattern"`
	LastUsedAtMs     int64  `json:"last_used_at_ms,omitempty"`
	LastUsedCommand  string `json:"last_used_command,omitempty"`
	LastResolvedPath string `json:"last_resolved_path,omitempty"`
}

// Defaults are the settings applied when an agent overrides nothing.
type Defaults struct {
	Security Security `json:"security,omitempty"`
	Ask      Ask      `json:"ask,omitempty"`
}

// Agent holds per-agent settings plus the agent's allowlist.
type Agent struct {
	Defaults
	Allowlist []Entry `json:"allowlist,omitempty"`
}

// File is the persisted allowlist configuration.
type File struct {
	Version  int               `json:"version"`
	Defaults *Defaults         `json:"defaults,omitempty"`
	Agents   map[string]*Agent `json:"agents,omitempty"`
}

// legacyFile is the pre-versioning format: a single flat pattern list.
type legacyFile struct {
	Allowlist []Entry `json:"allowlist"`
}

// ErrUnsupportedVersion is returned for a file newer than this build.
var ErrUnsupportedVersion = errors.New("unsupported allowlist schema version")

// Load reads the allowlist file at path. A missing file yields an empty
// version-1 file. A legacy version-0 file is migrated in memory: its flat
// list becomes the wildcard agent's allowlist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing allowlist: %w", err)
	}

	switch {
	case f.Version == 0:
		return migrateLegacy(data)
	case f.Version > SchemaVersion:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}

	if f.Agents == nil {
		f.Agents = make(map[string]*Agent)
	}
	return &f, nil
}

func emptyFile() *File {
	return &File{
		Version: SchemaVersion,
		Agents:  make(map[string]*Agent),
	}
}

func migrateLegacy(data []byte) (*File, error) {
	var legacy legacyFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parsing legacy allowlist: %w", err)
	}
	f := emptyFile()
	if len(legacy.Allowlist) > 0 {
		f.Agents[WildcardAgent] = &Agent{Allowlist: legacy.Allowlist}
	}
	return f, nil
}

// Save atomically persists the allowlist file.
func Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating allowlist dir: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling allowlist: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing allowlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing allowlist: %w", err)
	}
	return nil
}

// Resolved are the effective settings for a single agent: defaults merged
// with the wildcard agent, then the specific agent, in that order.
type Resolved struct {
	AgentID   string
	Security  Security
	Ask       Ask
	Allowlist []Entry
}

// Resolve computes the effective settings for agentID.
func (f *File) Resolve(agentID string) Resolved {
	if strings.TrimSpace(agentID) == "" {
		agentID = DefaultAgent
	}

	// Built-in fallback: uncovered commands go to a human rather than
	// being silently denied.
	r := Resolved{
		AgentID:  agentID,
		Security: SecurityAllowlist,
		Ask:      AskOnMiss,
	}
	if f.Defaults != nil {
		r.apply(f.Defaults)
	}
	if wildcard, ok := f.Agents[WildcardAgent]; ok && wildcard != nil {
		r.apply(&wildcard.Defaults)
		r.Allowlist = append(r.Allowlist, wildcard.Allowlist...)
	}
	if agent, ok := f.Agents[agentID]; ok && agent != nil {
		r.apply(&agent.Defaults)
		r.Allowlist = append(r.Allowlist, agent.Allowlist...)
	}
	return r
}

func (r *Resolved) apply(d *Defaults) {
	if d.Security != "" {
		r.Security = d.Security
	}
	if d.Ask != "" {
		r.Ask = d.Ask
	}
}

// AddEntry appends a pattern to an agent's allowlist, ignoring duplicates.
// The caller persists with Save.
func (f *File) AddEntry(agentID, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.New("empty pattern")
	}
	if strings.TrimSpace(agentID) == "" {
		agentID = DefaultAgent
	}

	if f.Agents == nil {
		f.Agents = make(map[string]*Agent)
	}
	agent := f.Agents[agentID]
	if agent == nil {
		agent = &Agent{}
		f.Agents[agentID] = agent
	}

	for _, e := range agent.Allowlist {
		if e.Pattern == pattern {
			return nil
		}
	}

	agent.Allowlist = append(agent.Allowlist, Entry{
		ID:           uuid.New().String(),
		Pattern:      pattern,
		LastUsedAtMs: time.Now().UnixMilli(),
	})
	return nil
}

// RecordUse stamps usage metadata on the entry matching pattern.
func (f *File) RecordUse(agentID, pattern, command, resolvedPath string) {
	if strings.TrimSpace(agentID) == "" {
		agentID = DefaultAgent
	}
	agent := f.Agents[agentID]
	if agent == nil {
		return
	}
	for i := range agent.Allowlist {
		if agent.Allowlist[i].Pattern == pattern {
			agent.Allowlist[i].LastUsedAtMs = time.Now().UnixMilli()
			agent.Allowlist[i].LastUsedCommand = command
			agent.Allowlist[i].LastResolvedPath = resolvedPath
			return
		}
	}
}
