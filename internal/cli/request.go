package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/approval"
	"github.com/cmdward/cmdward/internal/daemon"
)

var (
	flagRequestID      string
	flagRequestCwd     string
	flagRequestAgent   string
	flagRequestHost    string
	flagRequestTimeout time.Duration
	flagRequestJSON    bool
)

func init() {
	requestCmd.Flags().StringVar(&flagRequestID, "id", "", "approval id (generated when empty)")
	requestCmd.Flags().StringVarP(&flagRequestCwd, "cwd", "C", "", "working directory the command would run in")
	requestCmd.Flags().StringVarP(&flagRequestAgent, "agent", "a", "", "requesting agent id")
	requestCmd.Flags().StringVar(&flagRequestHost, "host", "", "host the command would run on")
	requestCmd.Flags().DurationVar(&flagRequestTimeout, "timeout", 0, "how long to wait for a decision (daemon default when zero)")
	requestCmd.Flags().BoolVar(&flagRequestJSON, "json", false, "output result as JSON")
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:   "request -- <command> [args...]",
	Short: "Submit a command for approval and wait for the decision",
	Long: `Submit a command for approval.

Blocks until a human resolves the request or it times out. A timeout counts
as a deny. The exit code reflects the decision: 0 when allowed, 1 otherwise,
so the command is safe to use as a shell guard:

  cmdward request -- rm -rf ./build && rm -rf ./build`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")

	cwd := flagRequestCwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	defer client.Close()

	result, err := client.RequestApproval(cmd.Context(), daemon.ApprovalRequest{
		ID:        flagRequestID,
		Command:   command,
		Cwd:       cwd,
		Host:      flagRequestHost,
		AgentID:   flagRequestAgent,
		TimeoutMs: flagRequestTimeout.Milliseconds(),
	})
	if err != nil {
		return err
	}

	allowed := result.Decision != nil && *result.Decision != approval.DecisionDeny

	if flagRequestJSON {
		out := map[string]any{
			"id":      result.ID,
			"allowed": allowed,
		}
		if result.Decision != nil {
			out["decision"] = *result.Decision
		} else {
			out["decision"] = nil
			out["timedOut"] = true
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		switch {
		case result.Decision == nil:
			fmt.Fprintf(cmd.OutOrStdout(), "timed out waiting for a decision (id=%s)\n", result.ID)
		case allowed:
			fmt.Fprintf(cmd.OutOrStdout(), "allowed (%s, id=%s)\n", *result.Decision, result.ID)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "denied (id=%s)\n", result.ID)
		}
	}

	if !allowed {
		os.Exit(1)
	}
	return nil
}
