package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/marcus/roundtable/internal/config"
	"github.com/marcus/roundtable/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the outcome of the last run",
	Long: `Display the status snapshot left behind by the most recent run.

Shows overall and per-provider query counts, success rates, average
latency, and estimated spend. Use --json for machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runStatus(cfg, jsonOutput)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cfg *config.Config, jsonOutput bool) error {
	snap, err := status.Load(cfg.Storage.StatusPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No runs recorded yet. Start one with \"roundtable run\".")
			return nil
		}
		return fmt.Errorf("loading status: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return renderStatusHuman(snap)
}

func renderStatusHuman(snap *status.Snapshot) error {
	fmt.Println("Roundtable Status")
	fmt.Println("================================")
	fmt.Println()

	fmt.Println("Last Run")
	fmt.Printf("  Run ID:       %s\n", snap.RunID)
	fmt.Printf("  Finished:     %s\n", snap.FinishedAt.Format("Jan 2, 2006 15:04:05"))
	if snap.SynthModelUsed != "" {
		fmt.Printf("  Synthesis:    %s\n", snap.SynthModelUsed)
	}
	fmt.Println()

	fmt.Println("Queries")
	fmt.Printf("  Total:        %d\n", snap.Totals.TotalQueries)
	fmt.Printf("  Succeeded:    %d", snap.Totals.SuccessfulQueries)
	if snap.Totals.TotalQueries > 0 {
		fmt.Printf(" (%.0f%% success rate)", snap.Totals.SuccessRate*100)
	}
	fmt.Println()
	fmt.Printf("  Failed:       %d\n", snap.Totals.FailedQueries)
	if snap.Totals.SuccessfulQueries > 0 {
		fmt.Printf("  Avg latency:  %dms\n", snap.Totals.AvgLatencyMs)
	}
	fmt.Printf("  Est. cost:    $%.4f\n", snap.Totals.TotalCostUSD)
	fmt.Println()

	if len(snap.Providers) > 0 {
		fmt.Printf("Providers (%d)\n", len(snap.Providers))
		names := make([]string, 0, len(snap.Providers))
		for name := range snap.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ps := snap.Providers[name]
			fmt.Printf("  %-14s%d ok, %d failed, avg %dms, $%.4f\n",
				name, ps.SuccessfulQueries, ps.FailedQueries, ps.AvgLatencyMs, ps.TotalCostUSD)
		}
	}

	return nil
}
