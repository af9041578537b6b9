package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
)

var (
	modelBaseURL string
	modelAPIKey  string
	modelName    string
)

var configCmd = &cobra.Command{
	Use:       "config <logic|vision>",
	Short:     "Update the logic or vision model settings",
	Long:      "Only the flags given are changed; the rest of the model settings are kept.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"logic", "vision"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(true, func(ctx context.Context, a *app, args []string) error {
			return runConfig(cmd, a, args[0])
		})(cmd, args)
	},
}

func init() {
	configCmd.Flags().StringVar(&modelBaseURL, "base-url", "", "API base URL")
	configCmd.Flags().StringVar(&modelAPIKey, "api-key", "", "API key")
	configCmd.Flags().StringVar(&modelName, "model", "", "model name")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, a *app, which string) error {
	get, set := a.store.LogicConfig, a.store.SetLogicConfig
	if which == "vision" {
		get, set = a.store.VisionConfig, a.store.SetVisionConfig
	}

	cfg := get()
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = modelBaseURL
	}
	if flags.Changed("api-key") {
		cfg.APIKey = modelAPIKey
	}
	if flags.Changed("model") {
		cfg.ModelName = modelName
	}
	if cfg.BaseURL == "" {
		return domain.ValidationError(fmt.Sprintf("%s base URL cannot be empty", which), nil)
	}

	set(cfg)
	ui.Success("%s model: %s", which, modelSummary(cfg))
	return nil
}
