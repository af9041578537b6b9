package commands

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
)

var schemaFile string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Review and edit the current visual schema",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current schema",
	Args:  cobra.NoArgs,
	RunE:  run(false, runSchemaShow),
}

var schemaSetCmd = &cobra.Command{
	Use:   "set [schema]",
	Short: "Replace the current schema",
	Long:  "The schema is taken from the argument or, with --file, from a file.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run(true, runSchemaSet),
}

var schemaEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit the current schema in $EDITOR",
	Args:  cobra.NoArgs,
	RunE:  run(true, runSchemaEdit),
}

func init() {
	schemaSetCmd.Flags().StringVarP(&schemaFile, "file", "f", "", "read the schema from a file")
	schemaCmd.AddCommand(schemaShowCmd, schemaSetCmd, schemaEditCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runSchemaShow(_ context.Context, a *app, _ []string) error {
	schema := a.store.GeneratedSchema()
	if schema == "" {
		ui.Dim("No schema yet; run ingest --submit or schema set")
		return nil
	}
	ui.Info("%s", schema)
	return nil
}

func runSchemaSet(_ context.Context, a *app, args []string) error {
	var schema string
	switch {
	case schemaFile != "" && len(args) > 0:
		return domain.ValidationError("give the schema as an argument or with --file, not both", nil)
	case schemaFile != "":
		data, err := os.ReadFile(schemaFile)
		if err != nil {
			return domain.IOError("read schema file", err)
		}
		schema = string(data)
	case len(args) > 0:
		schema = args[0]
	}
	return applySchema(a, schema)
}

func runSchemaEdit(ctx context.Context, a *app, _ []string) error {
	current := a.store.GeneratedSchema()
	if current == "" {
		return domain.ValidationError("there is no schema to edit", nil)
	}

	f, err := os.CreateTemp("", "schema-*.md")
	if err != nil {
		return domain.IOError("create temp file", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(current); err != nil {
		f.Close()
		return domain.IOError("write temp file", err)
	}
	if err := f.Close(); err != nil {
		return domain.IOError("write temp file", err)
	}

	editor := strings.Fields(os.Getenv("EDITOR"))
	if len(editor) == 0 {
		editor = []string{"vi"}
	}
	cmd := exec.CommandContext(ctx, editor[0], append(editor[1:], path)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return domain.IOError("run editor "+editor[0], err)
	}

	edited, err := os.ReadFile(path)
	if err != nil {
		return domain.IOError("read edited schema", err)
	}
	if string(edited) == current {
		ui.Dim("Schema unchanged")
		return nil
	}
	return applySchema(a, string(edited))
}

func applySchema(a *app, schema string) error {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return domain.ValidationError("schema is empty", nil)
	}
	a.store.SetGeneratedSchema(schema)
	a.store.SetStage(domain.StageReview)
	ui.Success("Schema saved (%d characters), stage is now %s", len([]rune(schema)), a.store.Stage())
	return nil
}
