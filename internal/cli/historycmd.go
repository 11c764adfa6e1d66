package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmdward/cmdward/internal/history"
)

var (
	flagHistoryLimit int
	flagHistoryJSON  bool
)

func init() {
	historyListCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "maximum number of outcomes to show")
	historyListCmd.Flags().BoolVar(&flagHistoryJSON, "json", false, "output as JSON")
	historyStatsCmd.Flags().BoolVar(&flagHistoryJSON, "json", false, "output as JSON")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyStatsCmd)
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the approval audit trail",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show recent approval outcomes, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outcome counts grouped by decision",
	Args:  cobra.NoArgs,
	RunE:  runHistoryStats,
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	outcomes, err := db.ListRecent(flagHistoryLimit)
	if err != nil {
		return err
	}

	if flagHistoryJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	if len(outcomes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded outcomes")
		return nil
	}

	for _, o := range outcomes {
		decision := o.Decision
		if o.TimedOut() {
			decision = "timeout"
		}
		when := time.UnixMilli(o.CreatedAtMs).Format("2006-01-02 15:04:05")
		id := o.ID
		if len(id) > 8 {
			id = id[:8]
		}
		command := o.Command
		if len(command) > 60 {
			command = command[:60] + "..."
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %-12s  %s\n", when, id, decision, command)
	}
	return nil
}

func runHistoryStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.CountByDecision()
	if err != nil {
		return err
	}

	if flagHistoryJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}

	if len(counts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded outcomes")
		return nil
	}

	decisions := make([]string, 0, len(counts))
	for d := range counts {
		decisions = append(decisions, d)
	}
	sort.Strings(decisions)
	for _, d := range decisions {
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", d, counts[d])
	}
	return nil
}
