package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/intake"
	"github.com/spherical/academic-illustrator/internal/observability"
)

var (
	ingestText     string
	ingestTextFile string
	ingestSubmit   bool
	metricsFile    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <files...>",
	Short: "Rasterize papers and images, optionally generating a schema",
	Long: `Ingest converts every PDF page and image into a page image. Files that fail are
reported and the rest of the batch continues; unsupported types are skipped.
With --submit the pages and paper text are sent for schema generation.`,
	RunE: run(true, runIngest),
}

func init() {
	ingestCmd.Flags().StringVar(&ingestText, "text", "", "paper text to store with the batch")
	ingestCmd.Flags().StringVar(&ingestTextFile, "text-file", "", "read paper text from a file")
	ingestCmd.Flags().BoolVar(&ingestSubmit, "submit", false, "generate a visual schema after intake")
	ingestCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write intake metrics in Prometheus text format to this file")
	ingestCmd.MarkFlagsMutuallyExclusive("text", "text-file")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, a *app, args []string) error {
	if err := applyPaperText(a); err != nil {
		return err
	}

	var images []string
	if len(args) > 0 {
		ui.Section("Intake")
		batch, unreadable := readInputs(args)
		for _, f := range unreadable {
			ui.Error("%s: %v", f.Name, f.Err)
		}

		metrics := observability.NewIntakeMetrics()
		result, err := ingestBatch(ctx, a.coordinator(metrics), batch)
		printBatch(result)
		images = result.Images

		if metricsFile != "" {
			if err := prometheus.WriteToTextfile(metricsFile, metrics.Registry()); err != nil {
				ui.Warn("could not write metrics: %v", err)
			}
		}

		if len(result.Added) == 0 && (err != nil || len(unreadable) > 0) {
			return fmt.Errorf("no file could be ingested")
		}
	}

	if !ingestSubmit {
		return nil
	}

	ui.Section("Schema")
	result, err := a.architect().Submit(ctx, images)
	if err != nil {
		return err
	}
	ui.Success("Schema generated, stage is now %s", a.store.Stage())
	ui.Info("%s", result.Schema)
	return nil
}

func applyPaperText(a *app) error {
	text := ingestText
	if ingestTextFile != "" {
		data, err := os.ReadFile(ingestTextFile)
		if err != nil {
			return domain.IOError("read text file", err)
		}
		text = string(data)
	}
	if text != "" {
		a.store.SetPaperContent(text)
	}
	return nil
}

// readInputs loads each path. Unreadable paths are returned as failures so
// the rest of the batch still runs.
func readInputs(paths []string) ([]domain.FileInput, []intake.FileFailure) {
	var batch []domain.FileInput
	var failures []intake.FileFailure
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, intake.FileFailure{Index: i, Name: path, Err: domain.IOError("read file", err)})
			continue
		}
		batch = append(batch, domain.FileInput{Name: filepath.Base(path), Data: data})
	}
	return batch, failures
}

func ingestBatch(ctx context.Context, coord *intake.Coordinator, batch []domain.FileInput) (*intake.BatchResult, error) {
	bar := ui.NewProgressBar(len(batch), "Rasterizing")
	events := make(chan domain.IntakeEvent, len(batch)*2+2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			switch ev.Type {
			case domain.EventFileProcessing:
				bar.Describe(ui.Truncate(ev.FileName, 24))
			case domain.EventFileComplete, domain.EventFileSkipped, domain.EventError:
				bar.Step()
			}
		}
	}()

	result, err := coord.Ingest(ctx, batch, events)
	close(events)
	wg.Wait()
	bar.Finish()
	return result, err
}

func printBatch(result *intake.BatchResult) {
	for _, f := range result.Added {
		if f.MimeType == domain.MimePDF {
			ui.Success("%s (%d pages)", f.Name, f.PageCount)
		} else {
			ui.Success("%s", f.Name)
		}
	}
	for _, name := range result.Skipped {
		ui.Warn("%s: unsupported file type, skipped", name)
	}
	for _, f := range result.Failures {
		ui.Error("%s: %v", f.Name, f.Err)
	}
	ui.Dim("%d page image(s) ready", len(result.Images))
	if len(result.Images) > 0 && !ingestSubmit {
		ui.Dim("pages are kept for this run only; pass --submit to generate a schema from them")
	}
}
