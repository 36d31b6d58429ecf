// Package commands implements the roundtable CLI commands using cobra.
package commands

import (
	"os"

	"github.com/marcus/roundtable/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.4.0"
)

var rootCmd = &cobra.Command{
	Use:   "roundtable",
	Short: "Ask several AI research providers the same questions at once",
	Long: `Roundtable fans research questions out to multiple AI answer
providers concurrently, collects whatever survives, and optionally
synthesizes the answers into a single merged report.

Configure providers in roundtable.yaml and run "roundtable run" to start.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Project config directory (default: current directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose (debug) logging")
}

// loadConfig loads configuration, honoring the persistent --config flag
// and bumping the log level under --verbose.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if dir == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFromPaths(dir, config.GlobalConfigPath())
	}
	if err != nil {
		return nil, err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
