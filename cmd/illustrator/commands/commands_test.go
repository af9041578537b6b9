package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/academic-illustrator/cmd/illustrator/ui"
	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/storage"
	"github.com/spherical/academic-illustrator/internal/workflow"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func setupEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"REDIS_URL", "ILLUSTRATOR_RASTER_SCALE", "LOGIC_API_KEY", "VISION_API_KEY", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_FORMAT", "json")
	path := filepath.Join(t.TempDir(), storage.DefaultDatabaseName)
	t.Setenv("ILLUSTRATOR_DB_PATH", path)
	return path
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var buf bytes.Buffer
	ui.SetOutput(&buf)
	t.Cleanup(func() { ui.SetOutput(os.Stdout) })

	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func savedSnapshot(t *testing.T, path string) domain.WorkflowSnapshot {
	t.Helper()
	kv := storage.NewSQLiteStore(path, nil)
	defer kv.Close()
	snap, ok := workflow.NewPersister(workflow.NewStore(), kv, nil).Load(context.Background())
	require.True(t, ok, "expected a saved snapshot")
	return snap
}

func TestLangPersists(t *testing.T) {
	path := setupEnv(t)

	_, err := execute(t, "lang", "en")
	require.NoError(t, err)
	assert.Equal(t, domain.LanguageEnglish, savedSnapshot(t, path).Language)

	_, err = execute(t, "lang", "de")
	assert.Error(t, err)
}

func TestConfigUpdatesOnlyGivenFields(t *testing.T) {
	path := setupEnv(t)

	out, err := execute(t, "config", "logic", "--api-key", "sk-0123456789", "--model", "deepseek-reasoner")
	require.NoError(t, err)
	assert.Contains(t, out, "deepseek-reasoner")
	assert.NotContains(t, out, "sk-0123456789")

	logic := savedSnapshot(t, path).LogicConfig
	assert.Equal(t, "sk-0123456789", logic.APIKey)
	assert.Equal(t, "deepseek-reasoner", logic.ModelName)
	assert.Equal(t, domain.DefaultLogicConfig().BaseURL, logic.BaseURL)

	_, err = execute(t, "config", "audio")
	assert.Error(t, err)
}

func TestStageRequiresSchema(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "stage", "review")
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = execute(t, "stage", "intake")
	assert.NoError(t, err)
}

func TestIngestImagesAndText(t *testing.T) {
	path := setupEnv(t)
	dir := t.TempDir()
	img := filepath.Join(dir, "figure.png")
	require.NoError(t, os.WriteFile(img, pngHeader, 0o644))
	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("plain notes"), 0o644))

	metricsPath := filepath.Join(dir, "intake.prom")

	out, err := execute(t, "ingest", img, notes, filepath.Join(dir, "missing.pdf"), "--text", "Our method", "--metrics-file", metricsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "figure.png")
	assert.Contains(t, out, "notes.txt: unsupported file type, skipped")
	assert.Contains(t, out, "missing.pdf")
	assert.Contains(t, out, "1 page image(s) ready")

	assert.Equal(t, "Our method", savedSnapshot(t, path).PaperContent)

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `illustrator_intake_files_total{kind="image",outcome="ok"} 1`)
	assert.Contains(t, string(metrics), "illustrator_intake_pages_total 1")
}

func TestIngestFailsWhenNothingIsAccepted(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "ingest", filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestIngestSubmitWithoutKey(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "ingest", "--text", "paper", "--submit")
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))
}

func TestResetKeepsSettings(t *testing.T) {
	path := setupEnv(t)

	_, err := execute(t, "ingest", "--text", "draft")
	require.NoError(t, err)
	_, err = execute(t, "lang", "en")
	require.NoError(t, err)

	_, err = execute(t, "reset")
	require.NoError(t, err)

	snap := savedSnapshot(t, path)
	assert.Empty(t, snap.PaperContent)
	assert.Equal(t, domain.LanguageEnglish, snap.Language)
}

func TestHistoryCommands(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No history yet")

	_, err = execute(t, "history", "load", "nope")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = execute(t, "history", "delete", "nope")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	out, err = execute(t, "history", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 0")
}

func TestStatusShowsDefaults(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "intake")
	assert.Contains(t, out, "zh")
	assert.Contains(t, out, "no key")
}

func TestUnwritableStorageFailsCommand(t *testing.T) {
	setupEnv(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	t.Setenv("ILLUSTRATOR_DB_PATH", filepath.Join(blocker, "sub", "state.db"))

	_, err := execute(t, "lang", "en")
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeStorageWrite))

	// reads degrade to defaults
	_, err = execute(t, "status")
	assert.NoError(t, err)
}

func TestSchemaCommands(t *testing.T) {
	path := setupEnv(t)

	out, err := execute(t, "schema", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "No schema yet")

	_, err = execute(t, "schema", "edit")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = execute(t, "schema", "set", "   ")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	out, err = execute(t, "schema", "set", "## Layout\ndraft pipeline")
	require.NoError(t, err)
	assert.Contains(t, out, "review")
	assert.Equal(t, "## Layout\ndraft pipeline", savedSnapshot(t, path).GeneratedSchema)

	out, err = execute(t, "schema", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "draft pipeline")

	t.Setenv("EDITOR", "sed -i s/draft/final/")
	_, err = execute(t, "schema", "edit")
	require.NoError(t, err)
	assert.Equal(t, "## Layout\nfinal pipeline", savedSnapshot(t, path).GeneratedSchema)

	file := filepath.Join(t.TempDir(), "schema.md")
	require.NoError(t, os.WriteFile(file, []byte("## Layout\nfrom file\n"), 0o644))
	_, err = execute(t, "schema", "set", "--file", file)
	require.NoError(t, err)
	assert.Equal(t, "## Layout\nfrom file", savedSnapshot(t, path).GeneratedSchema)
}

func TestRenderRecordsFigureInHistory(t *testing.T) {
	path := setupEnv(t)
	dir := t.TempDir()
	figure := []byte("rendered-figure")

	var refMime string
	var refCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Contents []struct {
				Parts []struct {
					InlineData *struct {
						MimeType string `json:"mimeType"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"contents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, p := range req.Contents[0].Parts {
			if p.InlineData != nil {
				refCount++
				refMime = p.InlineData.MimeType
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":%q}}]}}]}`,
			base64.StdEncoding.EncodeToString(figure))
	}))
	defer srv.Close()

	_, err := execute(t, "render")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation), "no schema yet")

	_, err = execute(t, "schema", "set", "## Layout\nthree panels")
	require.NoError(t, err)

	_, err = execute(t, "render")
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig), "no vision key yet")

	_, err = execute(t, "config", "vision", "--base-url", srv.URL, "--api-key", "g-key-0123456789")
	require.NoError(t, err)

	ref := filepath.Join(dir, "style.png")
	require.NoError(t, os.WriteFile(ref, pngHeader, 0o644))
	outPath := filepath.Join(dir, "figure.png")

	out, err := execute(t, "render", "--ref", ref, "--out", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "render")
	assert.Equal(t, 1, refCount)
	assert.Equal(t, "image/png", refMime)

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, figure, written)

	history := savedSnapshot(t, path).History
	require.Len(t, history, 1)
	assert.Equal(t, "## Layout\nthree panels", history[0].Schema)
	require.NotNil(t, history[0].ImageURL)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(figure), *history[0].ImageURL)

	out, err = execute(t, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "yes")

	restored := filepath.Join(dir, "restored.png")
	_, err = execute(t, "history", "load", history[0].ID, "--out", restored)
	require.NoError(t, err)
	written, err = os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, figure, written)

	_, err = execute(t, "render", "--ref", filepath.Join(dir, "missing.png"))
	assert.True(t, domain.IsType(err, domain.ErrorTypeIO))
}
