package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/allowlist"
	"github.com/cmdward/cmdward/internal/config"
	"github.com/cmdward/cmdward/internal/history"
)

var (
	flagInitForce bool
	flagInitJSON  bool
)

func init() {
	initCmd.Flags().BoolVarP(&flagInitForce, "force", "f", false, "rewrite config even if the directory already exists")
	initCmd.Flags().BoolVar(&flagInitJSON, "json", false, "output result as JSON")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the cmdward directory",
	Long: `Initialize the cmdward configuration directory.

Creates the following structure:
  ~/.cmdward/
  ├── config.toml      # Configuration
  ├── allowlist.json   # Per-agent allowlist
  └── history.db       # SQLite audit log (WAL mode)

The daemon socket and pid file are created there when the daemon starts.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := configDir()

	if info, err := os.Stat(dir); err == nil && info.IsDir() && !flagInitForce {
		if _, err := os.Stat(filepath.Join(dir, "config.toml")); err == nil {
			return fmt.Errorf("already initialized: %s exists (use --force to rewrite config)", filepath.Join(dir, "config.toml"))
		}
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.toml")
	if err := config.WriteDefault(configPath, flagInitForce); err != nil {
		return fmt.Errorf("creating config: %w", err)
	}

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		return err
	}

	// Seed an empty allowlist so edits have a file to start from.
	if _, err := os.Stat(cfg.Allowlist.Path); os.IsNotExist(err) {
		f := &allowlist.File{Version: allowlist.SchemaVersion}
		if err := allowlist.Save(cfg.Allowlist.Path, f); err != nil {
			return fmt.Errorf("creating allowlist: %w", err)
		}
	}

	// Initialize the audit database.
	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("initializing history: %w", err)
	}
	hist.Close()

	if flagInitJSON {
		out := map[string]any{
			"initialized": true,
			"path":        dir,
			"config":      configPath,
			"allowlist":   cfg.Allowlist.Path,
			"history":     cfg.History.Path,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized cmdward in %s\n\n", dir)
	fmt.Fprintln(cmd.OutOrStdout(), "Created:")
	fmt.Fprintf(cmd.OutOrStdout(), "  %s   - Configuration\n", configPath)
	fmt.Fprintf(cmd.OutOrStdout(), "  %s - Allowlist\n", cfg.Allowlist.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "  %s    - Audit log\n", cfg.History.Path)
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "Next steps:")
	fmt.Fprintln(cmd.OutOrStdout(), "  1. Review the config and customize as needed")
	fmt.Fprintln(cmd.OutOrStdout(), "  2. Start the daemon: cmdward daemon start")
	fmt.Fprintln(cmd.OutOrStdout(), "  3. Gate a command: cmdward request -- rm -rf ./build")
	return nil
}
