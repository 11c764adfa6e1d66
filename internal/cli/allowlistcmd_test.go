package cli

import (
	"strings"
	"testing"

	"github.com/cmdward/cmdward/internal/allowlist"
	"github.com/cmdward/cmdward/internal/config"
)

func seedAllowlist(t *testing.T, dir string, mutate func(*allowlist.File)) {
	t.Helper()
	cfg := config.DefaultConfig(dir)
	f := &allowlist.File{Version: allowlist.SchemaVersion}
	if mutate != nil {
		mutate(f)
	}
	if err := allowlist.Save(cfg.Allowlist.Path, f); err != nil {
		t.Fatal(err)
	}
}

func loadAllowlist(t *testing.T, dir string) *allowlist.File {
	t.Helper()
	cfg := config.DefaultConfig(dir)
	f, err := allowlist.Load(cfg.Allowlist.Path)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestAllowlistAdd(t *testing.T) {
	dir := t.TempDir()
	seedAllowlist(t, dir, nil)

	out, err := runCLI(t, "--config-dir", dir, "allowlist", "add", "/usr/bin/git", "--agent", "builder")
	if err != nil {
		t.Fatalf("add failed: %v\n%s", err, out)
	}

	f := loadAllowlist(t, dir)
	agent := f.Agents["builder"]
	if agent == nil || len(agent.Allowlist) != 1 || agent.Allowlist[0].Pattern != "/usr/bin/git" {
		t.Fatalf("allowlist after add = %+v", f.Agents)
	}
}

func TestAllowlistAddIdempotent(t *testing.T) {
	dir := t.TempDir()
	seedAllowlist(t, dir, nil)

	for i := 0; i < 2; i++ {
		if out, err := runCLI(t, "--config-dir", dir, "allowlist", "add", "/usr/bin/git"); err != nil {
			t.Fatalf("add failed: %v\n%s", err, out)
		}
	}

	f := loadAllowlist(t, dir)
	if got := len(f.Agents[allowlist.DefaultAgent].Allowlist); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestAllowlistList(t *testing.T) {
	dir := t.TempDir()
	seedAllowlist(t, dir, func(f *allowlist.File) {
		f.AddEntry("builder", "/usr/bin/git")
		f.AddEntry("builder", "/usr/bin/make")
	})

	out, err := runCLI(t, "--config-dir", dir, "allowlist", "list", "--json")
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	for _, want := range []string{"/usr/bin/git", "/usr/bin/make", "builder"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAllowlistRemove(t *testing.T) {
	dir := t.TempDir()
	seedAllowlist(t, dir, func(f *allowlist.File) {
		f.AddEntry("builder", "/usr/bin/git")
	})

	out, err := runCLI(t, "--config-dir", dir, "allowlist", "remove", "/usr/bin/git", "--agent", "builder")
	if err != nil {
		t.Fatalf("remove failed: %v\n%s", err, out)
	}

	f := loadAllowlist(t, dir)
	if got := len(f.Agents["builder"].Allowlist); got != 0 {
		t.Fatalf("entries after remove = %d, want 0", got)
	}
}

func TestAllowlistRemoveMissing(t *testing.T) {
	dir := t.TempDir()
	seedAllowlist(t, dir, nil)

	if _, err := runCLI(t, "--config-dir", dir, "allowlist", "remove", "/usr/bin/git"); err == nil {
		t.Fatal("remove of missing pattern succeeded")
	}
}
