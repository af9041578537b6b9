package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
)

var historyOut string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse and manage past schemas",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved schemas, newest first",
	Args:  cobra.NoArgs,
	RunE:  run(false, runHistoryList),
}

var historyLoadCmd = &cobra.Command{
	Use:   "load <id>",
	Short: "Make a saved schema and its figure the current ones",
	Args:  cobra.ExactArgs(1),
	RunE:  run(true, runHistoryLoad),
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved schema",
	Args:  cobra.ExactArgs(1),
	RunE:  run(true, runHistoryDelete),
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all saved schemas",
	Args:  cobra.NoArgs,
	RunE:  run(true, runHistoryClear),
}

func init() {
	historyLoadCmd.Flags().StringVarP(&historyOut, "out", "o", "", "write the saved figure to this file")
	historyCmd.AddCommand(historyListCmd, historyLoadCmd, historyDeleteCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistoryList(_ context.Context, a *app, _ []string) error {
	items := a.store.History().Items()
	if len(items) == 0 {
		ui.Dim("No history yet")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		image := "-"
		if item.ImageURL != nil {
			image = "yes"
		}
		rows = append(rows, []string{
			item.ID,
			item.CreatedAt().Local().Format(time.DateTime),
			image,
			ui.Truncate(item.Schema, 50),
		})
	}
	ui.Table([]string{"ID", "Created", "Image", "Schema"}, rows)
	ui.Dim("%d of %d slots used", len(items), domain.MaxHistoryItems)
	return nil
}

func runHistoryLoad(_ context.Context, a *app, args []string) error {
	if !a.store.History().Load(args[0]) {
		return domain.ValidationError(fmt.Sprintf("no history item %q", args[0]), nil)
	}
	ui.Success("Loaded %s, stage is now %s", args[0], a.store.Stage())
	ui.Info("%s", a.store.GeneratedSchema())

	image := a.store.GeneratedImage()
	if image == nil {
		if historyOut != "" {
			ui.Warn("this entry has no figure; nothing written")
		}
		return nil
	}
	return writeFigure(*image, historyOut)
}

func runHistoryDelete(_ context.Context, a *app, args []string) error {
	if !a.store.History().Delete(args[0]) {
		return domain.ValidationError(fmt.Sprintf("no history item %q", args[0]), nil)
	}
	ui.Success("Deleted %s", args[0])
	return nil
}

func runHistoryClear(_ context.Context, a *app, _ []string) error {
	n := a.store.History().Count()
	a.store.History().Clear()
	ui.Success("Cleared %d history item(s)", n)
	return nil
}
