package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/roundtable/internal/history"
	"github.com/marcus/roundtable/internal/providers"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past runs",
	Long: `Display the run history stored in the local database.

Shows the last N runs (default: 5). Subcommands drill into a single
run, aggregate per-provider totals, or prune old records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return runHistoryList(cmd, last, jsonOutput)
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run and its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistoryShow(cmd, args[0])
	},
}

var historyProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Aggregate provider totals across all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistoryProviders(cmd)
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than N days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return runHistoryPrune(cmd, days)
	},
}

func init() {
	historyCmd.Flags().IntP("last", "n", 5, "Show last N runs")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
	historyPruneCmd.Flags().Int("days", 30, "Delete runs older than this many days")
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyProvidersCmd)
	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the run history database from configuration.
func openHistory(cmd *cobra.Command) (*history.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	hist, err := history.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	return hist, nil
}

// historyEntry is the JSON shape for one listed run.
type historyEntry struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	QuestionCount int       `json:"questionCount"`
	ProviderCount int       `json:"providerCount"`
	TotalQueries  int       `json:"totalQueries"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	TotalCostUSD  float64   `json:"totalCostUsd"`
	SynthModel    string    `json:"synthModel,omitempty"`
	ReportPath    string    `json:"reportPath,omitempty"`
}

func runHistoryList(cmd *cobra.Command, n int, jsonOutput bool) error {
	hist, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	runs, err := hist.RecentRuns(n)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	if jsonOutput {
		entries := make([]historyEntry, 0, len(runs))
		for _, run := range runs {
			entries = append(entries, historyEntry{
				ID:            run.ID,
				StartedAt:     run.StartedAt,
				FinishedAt:    run.FinishedAt,
				QuestionCount: run.QuestionCount,
				ProviderCount: run.ProviderCount,
				TotalQueries:  run.TotalQueries,
				Succeeded:     run.Succeeded,
				Failed:        run.Failed,
				TotalCostUSD:  run.TotalCostUSD,
				SynthModel:    run.SynthModel,
				ReportPath:    run.ReportPath,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(runs) == 0 {
		fmt.Println("No run history found.")
		return nil
	}

	fmt.Printf("Last %d runs:\n\n", len(runs))
	for _, run := range runs {
		printRunRecord(run)
		fmt.Println()
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, id string) error {
	hist, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	run, err := hist.Run(id)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			return fmt.Errorf("no run with ID %q", id)
		}
		return fmt.Errorf("reading run: %w", err)
	}

	results, err := hist.RunResults(id)
	if err != nil {
		return fmt.Errorf("reading run results: %w", err)
	}

	printRunRecord(*run)
	if len(results) > 0 {
		fmt.Printf("\nResults:\n")
		for _, r := range results {
			printAnswerResult(r)
		}
	}
	return nil
}

func runHistoryProviders(cmd *cobra.Command) error {
	hist, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	totals, err := hist.ProviderTotals()
	if err != nil {
		return fmt.Errorf("reading provider totals: %w", err)
	}
	if len(totals) == 0 {
		fmt.Println("No run history found.")
		return nil
	}

	fmt.Println("Provider Totals")
	fmt.Println("================================")
	fmt.Println()
	for _, agg := range totals {
		fmt.Printf("  %-14s%d queries, %d ok, %d failed, avg %dms, $%.4f\n",
			agg.Provider, agg.TotalQueries, agg.Succeeded, agg.Failed, agg.AvgLatencyMs, agg.TotalCostUSD)
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, days int) error {
	if days <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	hist, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()

	cutoff := time.Now().AddDate(0, 0, -days)
	pruned, err := hist.Prune(cutoff)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	fmt.Printf("Pruned %d run(s) older than %s.\n", pruned, cutoff.Format("2006-01-02"))
	return nil
}

func printRunRecord(run history.RunRecord) {
	fmt.Printf("[%s] %s\n", run.StartedAt.Format("2006-01-02 15:04"), formatRunStatus(run))
	fmt.Printf("  Run:      %s\n", run.ID)
	fmt.Printf("  Queries:  %d (%d questions x %d providers)\n",
		run.TotalQueries, run.QuestionCount, run.ProviderCount)
	fmt.Printf("  Outcome:  %d ok, %d failed\n", run.Succeeded, run.Failed)
	fmt.Printf("  Cost:     $%.4f\n", run.TotalCostUSD)
	if d := run.FinishedAt.Sub(run.StartedAt); d > 0 {
		fmt.Printf("  Duration: %s\n", formatRunDuration(d))
	}
	if run.SynthModel != "" {
		fmt.Printf("  Synthesis: %s\n", run.SynthModel)
	}
	if run.ReportPath != "" {
		fmt.Printf("  Report:   %s\n", run.ReportPath)
	}
}

func printAnswerResult(r providers.AnswerResult) {
	if r.Succeeded() {
		fmt.Printf("  OK      %-12s%-8s%dms, $%.4f (%s)\n",
			r.Provider, r.QuestionID, r.LatencyMs, r.CostUSD, r.Model)
	} else {
		fmt.Printf("  FAILED  %-12s%-8s%s\n", r.Provider, r.QuestionID, r.Err)
	}
}

func formatRunStatus(run history.RunRecord) string {
	switch {
	case run.Succeeded > 0 && run.Failed == 0:
		return "SUCCESS"
	case run.Succeeded > 0:
		return "PARTIAL"
	default:
		return "FAILED"
	}
}

func formatRunDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d >= time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
