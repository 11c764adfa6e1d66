// Package cli implements the cmdward command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cmdward/cmdward/internal/config"
	"github.com/cmdward/cmdward/internal/logging"
)

var (
	flagConfigDir string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "cmdward",
	Short: "Approval gate for dangerous agent commands",
	Long: `cmdward parks dangerous shell commands until a human decides.

Agents submit commands for approval; the daemon holds them pending, streams
events to watchers, and answers each request with exactly one decision:
allow-once, allow-always, deny, or timeout (treated as deny).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "config directory (default ~/.cmdward)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration honoring the --config-dir flag.
func loadConfig() (*config.Config, error) {
	dir := flagConfigDir
	if dir == "" {
		dir = config.Dir()
	}
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *log.Logger {
	return logging.New(cfg.Log.Level)
}

func configDir() string {
	if flagConfigDir != "" {
		return flagConfigDir
	}
	return config.Dir()
}
