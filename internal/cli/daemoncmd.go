package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/daemon"
)

var (
	flagDaemonForeground  bool
	flagDaemonStopTimeout time.Duration
	flagDaemonStatusJSON  bool
)

func init() {
	daemonStartCmd.Flags().BoolVar(&flagDaemonForeground, "foreground", false, "run in the foreground instead of detaching")
	daemonStopCmd.Flags().DurationVar(&flagDaemonStopTimeout, "timeout", 5*time.Second, "how long to wait for a graceful exit")
	daemonStatusCmd.Flags().BoolVar(&flagDaemonStatusJSON, "json", false, "output status as JSON")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the approval daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the approval daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		opts := daemon.ServerOptions{Config: cfg}
		if flagDaemonForeground {
			opts.Logger = newLogger(cfg)
			return daemon.RunDaemon(cmd.Context(), opts)
		}

		if err := daemon.StartDaemon(cmd.Context(), opts); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon started")
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the approval daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := daemon.StopDaemon(cfg, flagDaemonStopTimeout); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		status := daemon.CheckDaemon(cfg)

		out := map[string]any{
			"running": status.Running,
		}
		if status.Running {
			out["pid"] = status.PID

			client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			if info, err := client.Status(ctx); err == nil {
				out["uptime_seconds"] = info.UptimeSeconds
				out["pending_count"] = info.PendingCount
				out["subscribers"] = info.Subscribers
			}
		}

		if flagDaemonStatusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		if !status.Running {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon: not running")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "daemon: running (pid=%d)\n", status.PID)
		if v, ok := out["pending_count"]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "pending: %v\n", v)
		}
		if v, ok := out["uptime_seconds"]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "uptime:  %vs\n", v)
		}
		return nil
	},
}
