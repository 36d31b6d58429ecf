package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/roundtable/internal/config"
	"github.com/marcus/roundtable/internal/providers"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List providers and their models",
	Long: `List every known provider, whether it is configured, and the
models it can answer with. The default model is what a run uses unless
the configuration overrides it.

Use --provider to restrict the listing to one provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runModels(cfg, providerName, jsonOutput)
	},
}

func init() {
	modelsCmd.Flags().StringP("provider", "p", "", "Show only this provider")
	modelsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(modelsCmd)
}

// modelListing is the JSON shape for one provider's entry.
type modelListing struct {
	Provider     string   `json:"provider"`
	Configured   bool     `json:"configured"`
	DefaultModel string   `json:"defaultModel"`
	Models       []string `json:"models"`
}

func runModels(cfg *config.Config, providerName string, jsonOutput bool) error {
	reg := providers.NewRegistry(cfg.ProviderSettings())

	ids := reg.IDs()
	if providerName != "" {
		id, err := providers.ParseID(providerName)
		if err != nil {
			return err
		}
		ids = []providers.ID{id}
	}

	listings := make([]modelListing, 0, len(ids))
	for _, id := range ids {
		a, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		listings = append(listings, modelListing{
			Provider:     string(id),
			Configured:   a.IsConfigured(),
			DefaultModel: a.DefaultModel(),
			Models:       a.ListModels(),
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	}

	for i, l := range listings {
		if i > 0 {
			fmt.Println()
		}
		state := "configured"
		if !l.Configured {
			state = "not configured"
		}
		fmt.Printf("%s (%s)\n", l.Provider, state)
		fmt.Printf("  Default:      %s\n", l.DefaultModel)
		if len(l.Models) > 0 {
			fmt.Printf("  Models:       %s\n", strings.Join(l.Models, ", "))
		}
	}
	return nil
}
