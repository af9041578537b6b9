// Package intake accepts batches of uploaded files and turns them into an
// ordered list of page images.
package intake

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
	"github.com/spherical/academic-illustrator/internal/pdf"
)

// FileFailure records why one file of a batch was not accepted.
type FileFailure struct {
	Index int
	Name  string
	Err   error
}

// BatchResult summarizes one Ingest call.
type BatchResult struct {
	Added    []domain.UploadedFile
	Images   []string
	Skipped  []string
	Failures []FileFailure
}

// Err joins the per-file failures, nil when every file succeeded or was skipped.
func (r *BatchResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Name, f.Err))
	}
	return errors.Join(errs...)
}

// Coordinator owns the transient upload state of one session.
type Coordinator struct {
	rasterizer domain.Rasterizer
	metrics    *observability.IntakeMetrics
	logger     *observability.Logger

	mu    sync.Mutex
	files []domain.UploadedFile
	pages []domain.RenderedPage
}

// NewCoordinator creates a coordinator. metrics may be nil.
func NewCoordinator(rasterizer domain.Rasterizer, metrics *observability.IntakeMetrics, logger *observability.Logger) *Coordinator {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Coordinator{
		rasterizer: rasterizer,
		metrics:    metrics,
		logger:     logger.WithComponent("intake"),
	}
}

// Ingest processes the batch one file at a time. A failing file never stops
// the rest of the batch; every success is committed as soon as it is produced.
// The returned result is never nil and err is result.Err().
func (c *Coordinator) Ingest(ctx context.Context, batch []domain.FileInput, eventCh chan<- domain.IntakeEvent) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}

	c.emitEvent(eventCh, domain.IntakeEvent{
		Type:      domain.EventStart,
		Payload:   fmt.Sprintf("Processing %d file(s)", len(batch)),
		Timestamp: time.Now(),
	})

	for i, in := range batch {
		mimeType := DetectMediaType(in)

		c.emitEvent(eventCh, domain.IntakeEvent{
			Type:      domain.EventFileProcessing,
			FileName:  in.Name,
			FileIndex: i,
			Payload:   mimeType,
			Timestamp: time.Now(),
		})

		file, pages, err := c.processFile(ctx, in, mimeType)
		switch {
		case err != nil && domain.IsType(err, domain.ErrorTypeUnsupported):
			c.logger.Debug().Str("file", in.Name).Str("mime", mimeType).Msg("Skipping unsupported file")
			result.Skipped = append(result.Skipped, in.Name)
			c.metrics.ObserveFile(mediaKind(mimeType), "skipped", 0)
			c.emitEvent(eventCh, domain.IntakeEvent{
				Type:      domain.EventFileSkipped,
				FileName:  in.Name,
				FileIndex: i,
				Payload:   mimeType,
				Timestamp: time.Now(),
			})

		case err != nil:
			c.logger.Error().Err(err).Str("file", in.Name).Msg("Failed to process file")
			result.Failures = append(result.Failures, FileFailure{Index: i, Name: in.Name, Err: err})
			c.metrics.ObserveFile(mediaKind(mimeType), "failed", 0)
			c.emitEvent(eventCh, domain.IntakeEvent{
				Type:      domain.EventError,
				FileName:  in.Name,
				FileIndex: i,
				Payload:   err.Error(),
				Timestamp: time.Now(),
			})

		default:
			c.commit(file, pages)
			result.Added = append(result.Added, file)
			for _, p := range pages {
				result.Images = append(result.Images, p.Image)
			}
			c.metrics.ObserveFile(mediaKind(mimeType), "ok", len(pages))
			c.emitEvent(eventCh, domain.IntakeEvent{
				Type:      domain.EventFileComplete,
				FileName:  in.Name,
				FileIndex: i,
				Payload:   len(pages),
				Timestamp: time.Now(),
			})
		}
	}

	duration := time.Since(start)
	c.metrics.ObserveBatch(duration)
	c.emitEvent(eventCh, domain.IntakeEvent{
		Type: domain.EventComplete,
		Payload: fmt.Sprintf("Intake complete: %d added, %d skipped, %d failed in %v",
			len(result.Added), len(result.Skipped), len(result.Failures), duration.Round(time.Millisecond)),
		Timestamp: time.Now(),
	})

	c.logger.Info().
		Int("added", len(result.Added)).
		Int("skipped", len(result.Skipped)).
		Int("failed", len(result.Failures)).
		Int("images", len(result.Images)).
		Msg("Intake batch complete")

	return result, result.Err()
}

// processFile turns one input into an uploaded file and its pages. A panic
// while rendering becomes a rasterization failure for this file only.
func (c *Coordinator) processFile(ctx context.Context, in domain.FileInput, mimeType string) (file domain.UploadedFile, pages []domain.RenderedPage, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("file", in.Name).Str("panic", fmt.Sprint(r)).Msg("Recovered from panic while processing file")
			pages = nil
			err = domain.RasterizationError(in.Name, "rendering crashed", fmt.Errorf("panic: %v", r))
		}
	}()

	file = domain.UploadedFile{
		ID:       uuid.NewString(),
		Name:     in.Name,
		MimeType: mimeType,
	}

	switch {
	case mimeType == domain.MimePDF:
		if c.rasterizer == nil {
			return file, nil, domain.RasterizationError(in.Name, "no rendering engine configured", nil)
		}
		pages, err = c.rasterizer.Render(ctx, file.ID, in.Data)
		if err != nil {
			var de *domain.DomainError
			if errors.As(err, &de) && de.Type == domain.ErrorTypeRasterization {
				return file, nil, de.About(in.Name)
			}
			return file, nil, domain.RasterizationError(in.Name, "rasterization failed", err)
		}
		if len(pages) == 0 {
			return file, nil, domain.RasterizationError(in.Name, "document produced no pages", nil)
		}
		for i := range pages {
			pages[i].SourceFileID = file.ID
			pages[i].PageIndex = i
		}
		file.PreviewImage = pages[0].Image
		file.PageCount = len(pages)
		return file, pages, nil

	case strings.HasPrefix(mimeType, "image/"):
		if len(in.Data) == 0 {
			return file, nil, domain.IOError("image file is empty", nil).About(in.Name)
		}
		uri := pdf.DataURI(mimeType, in.Data)
		file.RawData = uri
		file.PreviewImage = uri
		file.PageCount = 1
		return file, []domain.RenderedPage{{SourceFileID: file.ID, PageIndex: 0, Image: uri}}, nil

	default:
		return file, nil, domain.UnsupportedFileError(in.Name, mimeType)
	}
}

func (c *Coordinator) commit(file domain.UploadedFile, pages []domain.RenderedPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, file)
	c.pages = append(c.pages, pages...)
}

// Files returns a copy of the accepted files in intake order.
func (c *Coordinator) Files() []domain.UploadedFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.UploadedFile, len(c.files))
	copy(out, c.files)
	return out
}

// Pages returns a copy of every page with its owning file.
func (c *Coordinator) Pages() []domain.RenderedPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RenderedPage, len(c.pages))
	copy(out, c.pages)
	return out
}

// Images returns the flattened page images in intake order.
func (c *Coordinator) Images() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.pages))
	for i, p := range c.pages {
		out[i] = p.Image
	}
	return out
}

// RemoveFile drops the file at index together with every page derived from it.
func (c *Coordinator) RemoveFile(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.files) {
		return domain.ValidationError(fmt.Sprintf("file index %d out of range (have %d)", index, len(c.files)), nil)
	}

	removed := c.files[index]
	c.files = append(c.files[:index:index], c.files[index+1:]...)

	if len(c.files) == 0 {
		c.pages = nil
		return nil
	}

	kept := c.pages[:0:0]
	for _, p := range c.pages {
		if p.SourceFileID != removed.ID {
			kept = append(kept, p)
		}
	}
	c.pages = kept
	return nil
}

// Clear drops every file and page.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = nil
	c.pages = nil
}

// emitEvent never blocks; events are dropped when the channel is full.
func (c *Coordinator) emitEvent(eventCh chan<- domain.IntakeEvent, event domain.IntakeEvent) {
	if eventCh != nil {
		select {
		case eventCh <- event:
		default:
			c.logger.Warn().Str("event", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}
}

// DetectMediaType returns the declared media type, falling back to the file
// extension and then to content sniffing.
func DetectMediaType(in domain.FileInput) string {
	if mt := normalizeMediaType(in.MimeType); mt != "" {
		return mt
	}
	if mt := normalizeMediaType(mime.TypeByExtension(strings.ToLower(filepath.Ext(in.Name)))); mt != "" {
		return mt
	}
	if len(in.Data) > 0 {
		return normalizeMediaType(http.DetectContentType(in.Data))
	}
	return "application/octet-stream"
}

func normalizeMediaType(mt string) string {
	if mt == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return parsed
}

func mediaKind(mimeType string) string {
	switch {
	case mimeType == domain.MimePDF:
		return "pdf"
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	default:
		return "other"
	}
}
