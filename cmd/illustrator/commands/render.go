package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/intake"
	"github.com/spherical/academic-illustrator/internal/llm"
	"github.com/spherical/academic-illustrator/internal/pdf"
)

var (
	renderRefs []string
	renderOut  string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Draw the current schema with the vision model",
	Long: `Render sends the current schema, and any --ref images as style guides, to the
vision model. The figure is recorded in history together with its schema.`,
	Args: cobra.NoArgs,
	RunE: run(true, runRender),
}

func init() {
	renderCmd.Flags().StringSliceVar(&renderRefs, "ref", nil, "reference image to guide the style (repeatable)")
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "", "write the figure to this file")
	rootCmd.AddCommand(renderCmd)
}

func runRender(ctx context.Context, a *app, _ []string) error {
	refs, err := readReferences(renderRefs)
	if err != nil {
		return err
	}

	spinner := ui.NewSpinner("Rendering figure")
	spinner.Start()
	result, err := a.architect().Render(ctx, refs)
	spinner.Stop()
	if err != nil {
		return err
	}

	ui.Success("Figure rendered, stage is now %s", a.store.Stage())
	ui.Dim("saved to history (%d / %d)", a.store.History().Count(), domain.MaxHistoryItems)
	return writeFigure(result.Image, renderOut)
}

// readReferences loads each path as an image data URI.
func readReferences(paths []string) ([]string, error) {
	refs := make([]string, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.IOError("read reference image", err).About(path)
		}
		mimeType := intake.DetectMediaType(domain.FileInput{Name: filepath.Base(path), Data: data})
		if !strings.HasPrefix(mimeType, "image/") {
			return nil, domain.UnsupportedFileError(filepath.Base(path), mimeType)
		}
		refs = append(refs, pdf.DataURI(mimeType, data))
	}
	return refs, nil
}

// writeFigure decodes the figure into path; with no path it only reports
// how to get the file.
func writeFigure(image, path string) error {
	mimeType, data, err := llm.ParseDataURI(image)
	if err != nil {
		return domain.ValidationError("figure is not a data URI", err)
	}
	if path == "" {
		ui.Dim("%s, %d bytes; pass --out to write it to a file", mimeType, len(data))
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.IOError("write figure", err).About(path)
	}
	ui.KeyValue([][2]string{{"Figure", path}, {"Type", mimeType}, {"Size", fmt.Sprintf("%d bytes", len(data))}})
	return nil
}
