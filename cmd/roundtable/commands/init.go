package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcus/roundtable/internal/config"
	"github.com/spf13/cobra"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration file",
	Long: `Initialize a new roundtable configuration file.

By default, creates roundtable.yaml in the current directory.
Use --global to create a global config at ~/.config/roundtable/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("global", false, "Create global config instead of project config")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	global, _ := cmd.Flags().GetBool("global")
	force, _ := cmd.Flags().GetBool("force")

	var configPath string
	var configType string

	if global {
		configPath = config.GlobalConfigPath()
		configType = "global"
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		configPath = filepath.Join(cwd, config.ProjectConfigName)
		configType = "project"
	}

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		if !force {
			fmt.Printf("%sConfig already exists:%s %s\n", colorYellow, colorReset, configPath)
			fmt.Print("Overwrite? [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			response, _ := reader.ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "y" && response != "yes" {
				fmt.Println("Aborted.")
				return nil
			}
		}
	}

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	// Generate and write config
	content := generateDefaultConfig(global)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Success output
	fmt.Printf("\n%s%sCreated %s config:%s %s\n\n", colorBold, colorGreen, configType, colorReset, configPath)
	fmt.Printf("%sNext steps:%s\n", colorCyan, colorReset)
	if global {
		fmt.Println("  1. Export API keys (OPENAI_API_KEY etc.) or set them in the config")
		fmt.Println("  2. Pick your default providers under 'providers.default'")
		fmt.Println("  3. Run 'roundtable models' to check what is configured")
		fmt.Println("  4. Run 'roundtable run -q \"...\" --dry-run' to preview a run")
	} else {
		fmt.Println("  1. Adjust providers, budget, and synthesis for this project")
		fmt.Println("  2. Run 'roundtable models' to check what is configured")
		fmt.Println("  3. Run 'roundtable run -q \"...\" --dry-run' to preview a run")
	}
	fmt.Println()

	return nil
}

// generateDefaultConfig creates the default config YAML with helpful comments.
func generateDefaultConfig(global bool) string {
	if global {
		return generateGlobalConfig()
	}
	return generateProjectConfig()
}

func generateGlobalConfig() string {
	return `# Roundtable Global Configuration
# Location: ~/.config/roundtable/config.yaml
#
# This file configures roundtable's default behavior everywhere.
# Per-project configs (roundtable.yaml) override these settings.

# Provider configuration
# API keys left empty fall back to the conventional environment
# variables: OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY,
# PERPLEXITY_API_KEY, OLLAMA_HOST.
providers:
  default: []                    # Providers a run uses when none are named
                                 # (empty means: all five)
  openai:
    api_key: ""
    model: ""                    # Override the adapter default model
  anthropic:
    api_key: ""
    model: ""
  gemini:
    api_key: ""
    model: ""
  perplexity:
    api_key: ""
    model: ""
  ollama:
    base_url: ""                 # e.g. http://localhost:11434
    model: ""

# Dispatch governor
# Bounds how many queries are in flight at once.
governor:
  global_limit: 0                # 0 = default
  provider_limit: 0              # 0 = default
  min_interval: ""               # e.g. 200ms between dispatches per provider
  max_interval: ""               # ceiling for 429 backoff spacing

# Per-query execution
executor:
  timeout: ""                    # per-attempt timeout, e.g. 90s
  max_retries: -1                # -1 = default, 0 disables retries

# Post-run synthesis
synthesis:
  enabled: false
  model: ""                      # "model" or "provider/model"

# Spend cap per run
budget:
  mode: off                      # off | soft | hard
  max_usd: 0                     # required for soft and hard

# Storage locations
storage:
  database_path: ~/.local/share/roundtable/history.db
  reports_dir: reports
  status_path: ~/.local/share/roundtable/status.json

# Logging configuration
logging:
  level: info                    # debug | info | warn | error
  format: json                   # json | text
  path: ""                       # log directory; empty = stderr only
  retention_days: 7

# Scheduled runs (used by "roundtable schedule start")
# Choose either cron OR every (not both)
schedule:
  cron: ""                       # e.g. "0 7 * * *" for 7 AM daily
  every: ""                      # e.g. 12h
  questions_file: ""             # questions to run unattended
  providers: []                  # provider subset for scheduled runs
  synthesize: false
`
}

func generateProjectConfig() string {
	return `# Roundtable Project Configuration
# Location: roundtable.yaml (project root)
#
# This file configures roundtable for this specific project.
# These settings override the global config (~/.config/roundtable/config.yaml).

# Providers this project queries by default
providers:
  default:
    - openai
    - anthropic
    - ollama

# Post-run synthesis
synthesis:
  enabled: false
  model: ""                      # "model" or "provider/model"

# Spend cap per run
budget:
  mode: soft                     # off | soft | hard
  max_usd: 2.50

# Storage locations
storage:
  reports_dir: reports           # run reports land here

# Optional: dispatch tuning for this project
# governor:
#   provider_limit: 2
#   min_interval: 250ms

# Optional: scheduled runs for this project
# schedule:
#   cron: "0 7 * * 1"            # Monday mornings
#   questions_file: research.md
#   synthesize: true
`
}
