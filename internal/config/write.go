package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// WriteDefault writes a commented default config.toml at path. Existing
// files are preserved unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	cfg := DefaultConfig(filepath.Dir(path))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := `# cmdward configuration
#
# Precedence: defaults < this file < environment (CMDWARD_*).
# String values may reference environment variables as ${VAR}.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	enc := toml.NewEncoder(f)
	enc.Indent = "  "
	return enc.Encode(cfg)
}

// legacyConfig mirrors the flat JSON schema used before the TOML layout.
type legacyConfig struct {
	SocketPath   string `json:"socket_path"`
	TimeoutMs    int64  `json:"timeout_ms"`
	AllowlistPth string `json:"allowlist_path"`
	HistoryPath  string `json:"history_path"`
	LogLevel     string `json:"log_level"`
	WebhookURL   string `json:"webhook_url"`
}

// MigrateLegacy converts an old config.json in dir to config.toml, keeping
// the JSON file as config.json.bak. A no-op when config.toml already exists
// or no legacy file is found.
func MigrateLegacy(dir string) error {
	tomlPath := filepath.Join(dir, "config.toml")
	jsonPath := filepath.Join(dir, "config.json")

	if _, err := os.Stat(tomlPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading legacy config: %w", err)
	}

	var legacy legacyConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parsing legacy config: %w", err)
	}

	cfg := DefaultConfig(dir)
	if legacy.SocketPath != "" {
		cfg.Daemon.SocketPath = legacy.SocketPath
	}
	if legacy.TimeoutMs > 0 {
		cfg.Approvals.DefaultTimeoutMs = legacy.TimeoutMs
	}
	if legacy.AllowlistPth != "" {
		cfg.Allowlist.Path = legacy.AllowlistPth
	}
	if legacy.HistoryPath != "" {
		cfg.History.Path = legacy.HistoryPath
	}
	if legacy.LogLevel != "" {
		cfg.Log.Level = legacy.LogLevel
	}
	if legacy.WebhookURL != "" {
		cfg.Notifications.WebhookURL = legacy.WebhookURL
	}

	f, err := os.Create(tomlPath)
	if err != nil {
		return fmt.Errorf("writing migrated config: %w", err)
	}
	enc := toml.NewEncoder(f)
	enc.Indent = "  "
	if err := enc.Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encoding migrated config: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(jsonPath, jsonPath+".bak")
}
