package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/daemon"
	"github.com/cmdward/cmdward/internal/tui"
)

var flagDashboardBy string

func init() {
	dashboardCmd.Flags().StringVar(&flagDashboardBy, "by", defaultResolver(), "resolver identity for decisions made in the dashboard")
	rootCmd.AddCommand(dashboardCmd)
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive dashboard for pending approvals",
	Long: `Open a full-screen dashboard listing pending approvals.

Keys: j/k move, a allows once, A allows always, d denies, q quits.`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	defer client.Close()
	if err := client.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w (try: cmdward daemon start)", cfg.Daemon.SocketPath, err)
	}

	return tui.Run(client, flagDashboardBy)
}
