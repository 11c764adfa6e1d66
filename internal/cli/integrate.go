package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/integrations"
)

var (
	flagIntegrateProject string
	flagIntegrateMerge   bool
)

func init() {
	integrateCmd.PersistentFlags().StringVarP(&flagIntegrateProject, "project", "C", "", "project directory (defaults to current directory)")
	integrateClaudeCmd.Flags().BoolVar(&flagIntegrateMerge, "merge", true, "merge with an existing hooks.json instead of overwriting")

	integrateCmd.AddCommand(integrateClaudeCmd)
	integrateCmd.AddCommand(integrateCursorCmd)
	rootCmd.AddCommand(integrateCmd)
}

var integrateCmd = &cobra.Command{
	Use:   "integrate",
	Short: "Install agent-framework hooks that route commands through cmdward",
}

var integrateClaudeCmd = &cobra.Command{
	Use:   "claude",
	Short: "Install a Claude Code pre_bash hook",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := integrateProjectDir()
		if err != nil {
			return err
		}
		path, merged, err := integrations.InstallClaudeHooks(project, flagIntegrateMerge)
		if err != nil {
			return err
		}
		if merged {
			fmt.Fprintf(cmd.OutOrStdout(), "merged cmdward hook into %s\n", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		}
		return nil
	},
}

var integrateCursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Add cmdward rules to .cursorrules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := integrateProjectDir()
		if err != nil {
			return err
		}
		path := filepath.Join(project, ".cursorrules")

		existing := ""
		if data, err := os.ReadFile(path); err == nil {
			existing = string(data)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		content, changed := integrations.ApplyCursorRules(existing, integrations.CursorRulesReplace)
		if !changed || content == existing {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already up to date\n", path)
			return nil
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", path)
		return nil
	},
}

func integrateProjectDir() (string, error) {
	if flagIntegrateProject != "" {
		return flagIntegrateProject, nil
	}
	return os.Getwd()
}
