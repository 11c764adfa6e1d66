package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Daemon.SocketPath != filepath.Join(dir, "daemon.sock") {
		t.Errorf("SocketPath = %q", cfg.Daemon.SocketPath)
	}
	if cfg.Approvals.DefaultTimeoutMs != 60_000 {
		t.Errorf("DefaultTimeoutMs = %d, want 60000", cfg.Approvals.DefaultTimeoutMs)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[approvals]
  default_timeout_ms = 15000

[log]
  level = "DEBUG"

[allowlist]
  path = "/etc/cmdward/allowlist.json"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Approvals.DefaultTimeoutMs != 15000 {
		t.Errorf("DefaultTimeoutMs = %d, want 15000", cfg.Approvals.DefaultTimeoutMs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (normalized)", cfg.Log.Level)
	}
	if cfg.Allowlist.Path != "/etc/cmdward/allowlist.json" {
		t.Errorf("Allowlist.Path = %q", cfg.Allowlist.Path)
	}
	// Unset sections keep defaults.
	if cfg.History.Path != filepath.Join(dir, "history.db") {
		t.Errorf("History.Path = %q", cfg.History.Path)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "[log]\n  level = \"info\"\n"
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CMDWARD_LOG_LEVEL", "warn")
	t.Setenv("CMDWARD_APPROVALS_DEFAULT_TIMEOUT_MS", "9000")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Approvals.DefaultTimeoutMs != 9000 {
		t.Errorf("DefaultTimeoutMs = %d, want 9000", cfg.Approvals.DefaultTimeoutMs)
	}
}

func TestEnvTemplateSubstitution(t *testing.T) {
	dir := t.TempDir()
	content := `
[notifications]
  webhook_url = "https://hooks.example.com/T/${CMDWARD_TEST_HOOK_TOKEN}"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CMDWARD_TEST_HOOK_TOKEN", "sekrit")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Notifications.WebhookURL != "https://hooks.example.com/T/sekrit" {
		t.Errorf("WebhookURL = %q", cfg.Notifications.WebhookURL)
	}
}

func TestEnvTemplateUnknownVarKept(t *testing.T) {
	dir := t.TempDir()
	content := `
[notifications]
  webhook_url = "https://hooks.example.com/${CMDWARD_TEST_NO_SUCH_VAR}"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if !strings.Contains(cfg.Notifications.WebhookURL, "${CMDWARD_TEST_NO_SUCH_VAR}") {
		t.Errorf("unknown var should be kept literal, got %q", cfg.Notifications.WebhookURL)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(t.TempDir())
	cfg.Log.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestWriteDefaultPreservesExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# custom\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "# custom\n" {
		t.Error("WriteDefault overwrote existing config without force")
	}

	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault(force) error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "[approvals]") {
		t.Errorf("forced default config missing approvals section:\n%s", data)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := WriteDefault(filepath.Join(dir, "config.toml"), false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Approvals.DefaultTimeoutMs != 60_000 {
		t.Errorf("DefaultTimeoutMs = %d after roundtrip", cfg.Approvals.DefaultTimeoutMs)
	}
}

func TestMigrateLegacy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	legacy := `{
  "socket_path": "/tmp/cw.sock",
  "timeout_ms": 30000,
  "log_level": "debug"
}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Daemon.SocketPath != "/tmp/cw.sock" {
		t.Errorf("SocketPath = %q, want migrated value", cfg.Daemon.SocketPath)
	}
	if cfg.Approvals.DefaultTimeoutMs != 30000 {
		t.Errorf("DefaultTimeoutMs = %d, want 30000", cfg.Approvals.DefaultTimeoutMs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Error("migration did not write config.toml")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json.bak")); err != nil {
		t.Error("migration did not rename config.json to .bak")
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); !os.IsNotExist(err) {
		t.Error("legacy config.json still present")
	}
}

func TestMigrateLegacyNoop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := MigrateLegacy(dir); err != nil {
		t.Fatalf("MigrateLegacy() on empty dir error = %v", err)
	}
}
