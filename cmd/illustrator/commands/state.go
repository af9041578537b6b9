package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved workflow state",
	Args:  cobra.NoArgs,
	RunE:  run(false, runStatus),
}

var stageCmd = &cobra.Command{
	Use:   "stage <intake|review|render>",
	Short: "Check whether the workflow can move to a stage",
	Long: `Stage applies the same guard as the interactive workflow: review and render
need a generated schema. The active stage itself is not saved between runs.`,
	Args: cobra.ExactArgs(1),
	RunE: run(false, runStage),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear paper text and the current schema, keeping settings and history",
	Args:  cobra.NoArgs,
	RunE:  run(true, runReset),
}

var langCmd = &cobra.Command{
	Use:   "lang <en|zh>",
	Short: "Set the interface language",
	Args:  cobra.ExactArgs(1),
	RunE:  run(true, runLang),
}

func init() {
	rootCmd.AddCommand(statusCmd, stageCmd, resetCmd, langCmd)
}

func runStatus(_ context.Context, a *app, _ []string) error {
	v := a.store.View()

	ui.Section("Workflow")
	ui.KeyValue([][2]string{
		{"Stage", v.Stage.String()},
		{"Language", string(v.Language)},
		{"Paper text", fmt.Sprintf("%d characters", len([]rune(v.PaperContent)))},
		{"Schema", schemaSummary(v.GeneratedSchema)},
		{"History", fmt.Sprintf("%d / %d", len(v.History), domain.MaxHistoryItems)},
		{"Storage", a.cfg.Storage.Driver},
	})

	ui.Section("Models")
	ui.KeyValue([][2]string{
		{"Logic", modelSummary(v.LogicConfig)},
		{"Vision", modelSummary(v.VisionConfig)},
	})
	return nil
}

func runStage(_ context.Context, a *app, args []string) error {
	target, err := domain.ParseStage(args[0])
	if err != nil {
		return err
	}
	if !a.store.SetStage(target) {
		return domain.ValidationError(fmt.Sprintf("cannot enter %s without a generated schema", target), nil)
	}
	ui.Success("Stage is %s", a.store.Stage())
	return nil
}

func runReset(_ context.Context, a *app, _ []string) error {
	a.store.ResetProject()
	ui.Success("Project reset; settings and %d history item(s) kept", a.store.History().Count())
	return nil
}

func runLang(_ context.Context, a *app, args []string) error {
	lang, err := domain.ParseLanguage(args[0])
	if err != nil {
		return err
	}
	a.store.SetLanguage(lang)
	ui.Success("Language set to %s", lang)
	return nil
}

func schemaSummary(schema string) string {
	if schema == "" {
		return "none"
	}
	return ui.Truncate(schema, 60)
}

func modelSummary(cfg domain.ModelConfig) string {
	key := "no key"
	if cfg.APIKey != "" {
		key = "key " + maskKey(cfg.APIKey)
	}
	return fmt.Sprintf("%s @ %s (%s)", cfg.ModelName, cfg.BaseURL, key)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:] + " (" + strconv.Itoa(len(key)) + " chars)"
}
