package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/approval"
	"github.com/cmdward/cmdward/internal/daemon"
)

var (
	flagResolveBy   string
	flagResolveJSON bool
)

func init() {
	resolveCmd.Flags().StringVar(&flagResolveBy, "by", "", "who is resolving (defaults to $USER)")
	resolveCmd.Flags().BoolVar(&flagResolveJSON, "json", false, "output result as JSON")
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id> <allow-once|allow-always|deny>",
	Short: "Resolve a pending approval",
	Long: `Apply a decision to a pending approval.

allow-always also appends the command's resolved executable to the
requesting agent's allowlist, so future invocations pass without asking.`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id := args[0]
	decision := approval.Decision(args[1])
	if !decision.Valid() {
		return fmt.Errorf("unknown decision %q (want allow-once, allow-always, or deny)", args[1])
	}

	resolvedBy := flagResolveBy
	if resolvedBy == "" {
		resolvedBy = defaultResolver()
	}

	client := daemon.NewIPCClient(cfg.Daemon.SocketPath)
	defer client.Close()

	result, err := client.Resolve(cmd.Context(), id, decision, resolvedBy)
	if err != nil {
		return err
	}

	if flagResolveJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: %s\n", result.ID, result.Decision)
	return nil
}

func defaultResolver() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cmdward"
}
