package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/allowlist"
)

var (
	flagAllowlistAgent string
	flagAllowlistJSON  bool
)

func init() {
	allowlistCmd.PersistentFlags().StringVar(&flagAllowlistAgent, "agent", allowlist.DefaultAgent, "agent whose allowlist to operate on")
	allowlistListCmd.Flags().BoolVar(&flagAllowlistJSON, "json", false, "output as JSON")

	allowlistCmd.AddCommand(allowlistListCmd)
	allowlistCmd.AddCommand(allowlistAddCmd)
	allowlistCmd.AddCommand(allowlistRemoveCmd)
	rootCmd.AddCommand(allowlistCmd)
}

var allowlistCmd = &cobra.Command{
	Use:   "allowlist",
	Short: "Inspect and edit command allowlists",
}

var allowlistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List allowlist patterns",
	Args:  cobra.NoArgs,
	RunE:  runAllowlistList,
}

var allowlistAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add a pattern to an agent's allowlist",
	Long: `Add a glob pattern to an agent's allowlist.

Patterns match the resolved executable path, for example /usr/bin/git
or /opt/homebrew/bin/*.`,
	Args: cobra.ExactArgs(1),
	RunE: runAllowlistAdd,
}

var allowlistRemoveCmd = &cobra.Command{
	Use:   "remove <pattern>",
	Short: "Remove a pattern from an agent's allowlist",
	Args:  cobra.ExactArgs(1),
	RunE:  runAllowlistRemove,
}

func runAllowlistList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file, err := allowlist.Load(cfg.Allowlist.Path)
	if err != nil {
		return err
	}

	if flagAllowlistJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(file)
	}

	agents := make([]string, 0, len(file.Agents))
	for name := range file.Agents {
		agents = append(agents, name)
	}
	sort.Strings(agents)

	if len(agents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "allowlist is empty")
		return nil
	}

	for _, name := range agents {
		agent := file.Agents[name]
		fmt.Fprintf(cmd.OutOrStdout(), "agent %s", name)
		if agent.Security != "" || agent.Ask != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (security=%s ask=%s)", agent.Security, agent.Ask)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		for _, entry := range agent.Allowlist {
			line := "  " + entry.Pattern
			if entry.LastUsedAtMs > 0 {
				line += fmt.Sprintf("  (last used %s)", time.UnixMilli(entry.LastUsedAtMs).Format(time.RFC3339))
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	return nil
}

func runAllowlistAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file, err := allowlist.Load(cfg.Allowlist.Path)
	if err != nil {
		return err
	}
	if err := file.AddEntry(flagAllowlistAgent, args[0]); err != nil {
		return err
	}
	if err := allowlist.Save(cfg.Allowlist.Path, file); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s for agent %s\n", args[0], flagAllowlistAgent)
	return nil
}

func runAllowlistRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file, err := allowlist.Load(cfg.Allowlist.Path)
	if err != nil {
		return err
	}

	agent := file.Agents[flagAllowlistAgent]
	if agent == nil {
		return fmt.Errorf("agent %s has no allowlist", flagAllowlistAgent)
	}
	kept := agent.Allowlist[:0]
	removed := false
	for _, entry := range agent.Allowlist {
		if entry.Pattern == args[0] {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		return fmt.Errorf("pattern %s not found for agent %s", args[0], flagAllowlistAgent)
	}
	agent.Allowlist = kept

	if err := allowlist.Save(cfg.Allowlist.Path, file); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s for agent %s\n", args[0], flagAllowlistAgent)
	return nil
}
