package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/cmdward/cmdward/internal/approval"
	"github.com/cmdward/cmdward/internal/config"
	"github.com/cmdward/cmdward/internal/history"
)

func seedHistory(t *testing.T, dir string, recs ...*approval.Record) {
	t.Helper()
	cfg := config.DefaultConfig(dir)
	db, err := history.Open(cfg.History.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, rec := range recs {
		if err := db.Record(rec); err != nil {
			t.Fatal(err)
		}
	}
}

func auditRecord(id, command string, decision approval.Decision) *approval.Record {
	d := decision
	now := time.Now().UnixMilli()
	return &approval.Record{
		ID:           id,
		Request:      approval.Request{Command: command, AgentID: "builder"},
		Decision:     &d,
		ResolvedBy:   "alex",
		CreatedAtMs:  now,
		ExpiresAtMs:  now + 60_000,
		ResolvedAtMs: now + 500,
	}
}

func TestHistoryListEmpty(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, "--config-dir", dir, "history", "list")
	if err != nil {
		t.Fatalf("history list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "no recorded outcomes") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestHistoryListShowsOutcomes(t *testing.T) {
	dir := t.TempDir()
	seedHistory(t, dir,
		auditRecord("aaa", "rm -rf ./build", approval.DecisionAllowOnce),
		auditRecord("bbb", "git push --force", approval.DecisionDeny),
	)

	out, err := runCLI(t, "--config-dir", dir, "history", "list")
	if err != nil {
		t.Fatalf("history list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "rm -rf ./build") || !strings.Contains(out, "deny") {
		t.Errorf("output missing outcomes:\n%s", out)
	}
}

func TestHistoryListLimit(t *testing.T) {
	dir := t.TempDir()
	seedHistory(t, dir,
		auditRecord("aaa", "echo one", approval.DecisionAllowOnce),
		auditRecord("bbb", "echo two", approval.DecisionAllowOnce),
		auditRecord("ccc", "echo three", approval.DecisionAllowOnce),
	)

	out, err := runCLI(t, "--config-dir", dir, "history", "list", "--limit", "1", "--json")
	if err != nil {
		t.Fatalf("history list failed: %v\n%s", err, out)
	}
	if got := strings.Count(out, `"command"`); got != 1 {
		t.Fatalf("outcomes = %d, want 1\n%s", got, out)
	}
}

func TestHistoryStats(t *testing.T) {
	dir := t.TempDir()
	seedHistory(t, dir,
		auditRecord("aaa", "echo one", approval.DecisionAllowOnce),
		auditRecord("bbb", "echo two", approval.DecisionAllowOnce),
		auditRecord("ccc", "echo three", approval.DecisionDeny),
	)

	out, err := runCLI(t, "--config-dir", dir, "history", "stats")
	if err != nil {
		t.Fatalf("history stats failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "allow-once") || !strings.Contains(out, "deny") {
		t.Errorf("output missing decisions:\n%s", out)
	}
}
