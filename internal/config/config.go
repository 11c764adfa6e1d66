// Package config loads cmdward configuration with the precedence
// defaults < config file (~/.cmdward/config.toml) < environment (CMDWARD_*).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Daemon        DaemonConfig        `mapstructure:"daemon" toml:"daemon"`
	Approvals     ApprovalsConfig     `mapstructure:"approvals" toml:"approvals"`
	Allowlist     AllowlistConfig     `mapstructure:"allowlist" toml:"allowlist"`
	History       HistoryConfig       `mapstructure:"history" toml:"history"`
	Log           LogConfig           `mapstructure:"log" toml:"log"`
	Notifications NotificationsConfig `mapstructure:"notifications" toml:"notifications"`
}

// DaemonConfig controls the approval daemon process.
type DaemonConfig struct {
	SocketPath      string `mapstructure:"socket_path" toml:"socket_path"`
	PidPath         string `mapstructure:"pid_path" toml:"pid_path"`
	ShutdownGraceMs int64  `mapstructure:"shutdown_grace_ms" toml:"shutdown_grace_ms"`
}

// ApprovalsConfig tunes approval request behavior.
type ApprovalsConfig struct {
	DefaultTimeoutMs int64 `mapstructure:"default_timeout_ms" toml:"default_timeout_ms"`
}

// AllowlistConfig locates the allowlist file and its watcher.
type AllowlistConfig struct {
	Path            string   `mapstructure:"path" toml:"path"`
	SafeBins        []string `mapstructure:"safe_bins" toml:"safe_bins"`
	WatchDebounceMs int64    `mapstructure:"watch_debounce_ms" toml:"watch_debounce_ms"`
}

// HistoryConfig locates the audit database.
type HistoryConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"`
	File  string `mapstructure:"file" toml:"file"`
}

// NotificationsConfig configures outbound webhooks for approval events. URL
// supports ${VAR} environment substitution so tokens stay out of the file.
type NotificationsConfig struct {
	WebhookURL string `mapstructure:"webhook_url" toml:"webhook_url"`
	TimeoutMs  int64  `mapstructure:"timeout_ms" toml:"timeout_ms"`
}

// Dir returns the cmdward config directory.
func Dir() string {
	if dir := os.Getenv("CMDWARD_DIR"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".cmdward")
}

// Path returns the config file path inside Dir.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DefaultConfig returns the built-in defaults, rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:      filepath.Join(dir, "daemon.sock"),
			PidPath:         filepath.Join(dir, "daemon.pid"),
			ShutdownGraceMs: 2000,
		},
		Approvals: ApprovalsConfig{
			DefaultTimeoutMs: 60_000,
		},
		Allowlist: AllowlistConfig{
			Path:            filepath.Join(dir, "allowlist.json"),
			WatchDebounceMs: 200,
		},
		History: HistoryConfig{
			Path: filepath.Join(dir, "history.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
		Notifications: NotificationsConfig{
			TimeoutMs: 5000,
		},
	}
}

// Load reads configuration from Dir, applying defaults, then the config
// file if present, then CMDWARD_* environment variables.
func Load() (*Config, error) {
	return LoadFrom(Dir())
}

// LoadFrom is Load with an explicit config directory.
func LoadFrom(dir string) (*Config, error) {
	cfg := DefaultConfig(dir)

	if err := MigrateLegacy(dir); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("CMDWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Bind keys explicitly so AutomaticEnv applies even when the file
	// never mentions them.
	for _, key := range []string{
		"daemon.socket_path", "daemon.pid_path", "daemon.shutdown_grace_ms",
		"approvals.default_timeout_ms",
		"allowlist.path", "allowlist.watch_debounce_ms",
		"history.path",
		"log.level", "log.file",
		"notifications.webhook_url", "notifications.timeout_ms",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.expandEnvTemplates()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvTemplates substitutes ${VAR} references in string fields that
// commonly carry secrets or machine-specific paths. Unknown variables are
// left intact so a missing env var is visible rather than silently empty.
func (c *Config) expandEnvTemplates() {
	expand := func(s string) string {
		return os.Expand(s, func(name string) string {
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			return "${" + name + "}"
		})
	}
	c.Notifications.WebhookURL = expand(c.Notifications.WebhookURL)
	c.Daemon.SocketPath = expand(c.Daemon.SocketPath)
	c.Allowlist.Path = expand(c.Allowlist.Path)
	c.History.Path = expand(c.History.Path)
	c.Log.File = expand(c.Log.File)
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		level = "info"
	}
	switch level {
	case "debug", "info", "warn", "error":
		c.Log.Level = level
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if c.Approvals.DefaultTimeoutMs < 0 {
		return fmt.Errorf("approvals.default_timeout_ms must not be negative, got %d", c.Approvals.DefaultTimeoutMs)
	}
	if c.Approvals.DefaultTimeoutMs == 0 {
		c.Approvals.DefaultTimeoutMs = 60_000
	}

	if c.Allowlist.WatchDebounceMs <= 0 {
		c.Allowlist.WatchDebounceMs = 200
	}
	if c.Daemon.ShutdownGraceMs < 0 {
		return fmt.Errorf("daemon.shutdown_grace_ms must not be negative, got %d", c.Daemon.ShutdownGraceMs)
	}
	if c.Notifications.TimeoutMs <= 0 {
		c.Notifications.TimeoutMs = 5000
	}

	if strings.TrimSpace(c.Daemon.SocketPath) == "" {
		return fmt.Errorf("daemon.socket_path must not be empty")
	}
	if strings.TrimSpace(c.Allowlist.Path) == "" {
		return fmt.Errorf("allowlist.path must not be empty")
	}
	if strings.TrimSpace(c.History.Path) == "" {
		return fmt.Errorf("history.path must not be empty")
	}
	return nil
}
