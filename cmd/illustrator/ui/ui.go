// Package ui provides terminal output helpers for the illustrator CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

var (
	out io.Writer = os.Stdout

	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	headerColor  = color.New(color.FgCyan, color.Bold)
	dimColor     = color.New(color.Faint)
)

// Init applies the color setting for the rest of the process.
func Init(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

// SetOutput redirects all ui output.
func SetOutput(w io.Writer) {
	out = w
}

// Section prints a section header.
func Section(title string) {
	headerColor.Fprintf(out, "\n%s\n", title)
	fmt.Fprintln(out, strings.Repeat("─", len([]rune(title))))
}

func Success(format string, args ...any) {
	successColor.Fprintf(out, "✓ "+format+"\n", args...)
}

func Warn(format string, args ...any) {
	warnColor.Fprintf(out, "! "+format+"\n", args...)
}

func Error(format string, args ...any) {
	errorColor.Fprintf(out, "✗ "+format+"\n", args...)
}

func Info(format string, args ...any) {
	fmt.Fprintf(out, format+"\n", args...)
}

func Dim(format string, args ...any) {
	dimColor.Fprintf(out, format+"\n", args...)
}

// KeyValue prints aligned label/value pairs.
func KeyValue(pairs [][2]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range pairs {
		fmt.Fprintf(w, "%s:\t%s\n", p[0], p[1])
	}
	_ = w.Flush()
}

// Table displays data in a formatted table.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(w, strings.Join(separator, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// Truncate shortens s to at most n runes on a single line.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ProgressBar wraps a progressbar instance for per-file progress.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a progress bar on stderr.
func NewProgressBar(total int, description string) *ProgressBar {
	bar := progressbar.NewOptions(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionEnableColorCodes(!color.NoColor),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

// Describe changes the label shown next to the bar.
func (p *ProgressBar) Describe(description string) {
	p.bar.Describe(description)
}

// Step advances the bar by one.
func (p *ProgressBar) Step() {
	_ = p.bar.Add(1)
}

// Finish completes the progress bar.
func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// Spinner shows indeterminate progress on stderr.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a spinner with the given message. It is not started.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	s.spinner.Start()
}

// Stop stops the spinner and clears the line.
func (s *Spinner) Stop() {
	s.spinner.Stop()
}
