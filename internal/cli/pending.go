package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cmdward/cmdward/internal/daemon"
)

var flagPendingJSON bool

func init() {
	pendingCmd.Flags().BoolVar(&flagPendingJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List requests awaiting a decision",
	Long: `List pending approvals, oldest first.

Output is a styled table on a terminal and JSON when piped (or with --json).`,
	Args: cobra.NoArgs,
	RunE: runPending,
}

var (
	pendingHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	pendingIDStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pendingWaitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func runPending(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	defer client.Close()

	result, err := client.Pending(cmd.Context())
	if err != nil {
		return err
	}

	asJSON := flagPendingJSON || !term.IsTerminal(int(os.Stdout.Fd()))
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(result.Pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n",
		pendingHeaderStyle.Render(fmt.Sprintf("%-10s %-12s %-10s %-10s %s", "ID", "AGENT", "WAITING", "EXPIRES", "COMMAND")))

	for _, p := range result.Pending {
		id := p.ID
		if len(id) > 8 {
			id = id[:8]
		}
		agent := p.AgentID
		if agent == "" {
			agent = "-"
		}
		command := p.Command
		if len(command) > 60 {
			command = command[:60] + "..."
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-12s %s %-10s %s\n",
			pendingIDStyle.Render(fmt.Sprintf("%-10s", id)),
			agent,
			pendingWaitStyle.Render(fmt.Sprintf("%-10s", formatMs(p.WaitingMs))),
			formatMs(p.ExpiresInMs),
			command,
		)
	}
	return nil
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Truncate(time.Second).String()
}
