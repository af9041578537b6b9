package pdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

const (
	// DefaultScale is the upscaling factor applied to every page.
	DefaultScale = 2.0

	baseDPI = 72.0
)

// Document is the subset of a go-fitz document the engine uses.
type Document interface {
	NumPage() int
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Opener opens a document from raw bytes.
type Opener func(data []byte) (Document, error)

// Prober checks that the rendering library is usable.
type Prober func(ctx context.Context) error

// Engine rasterizes PDFs with go-fitz. It is initialized at most once.
type Engine struct {
	open      Opener
	probe     Prober
	validator *Validator
	scale     float64
	logger    *observability.Logger

	once    sync.Once
	initErr error
	ready   atomic.Bool

	buffers sync.Pool
}

// Option configures an Engine.
type Option func(*Engine)

func WithOpener(open Opener) Option {
	return func(e *Engine) { e.open = open }
}

func WithProber(probe Prober) Option {
	return func(e *Engine) { e.probe = probe }
}

func WithValidator(v *Validator) Option {
	return func(e *Engine) { e.validator = v }
}

func WithScale(scale float64) Option {
	return func(e *Engine) { e.scale = scale }
}

func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a rasterization engine. Nothing is loaded until Init
// or the first Render.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		open:   openFitz,
		probe:  probeFitz,
		scale:  DefaultScale,
		logger: observability.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = NewValidator(e.logger)
	}
	e.logger = e.logger.WithComponent("rasterizer")
	e.buffers.New = func() any { return new(bytes.Buffer) }
	return e
}

func openFitz(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func probeFitz(_ context.Context) error {
	if fitz.FzVersion == "" {
		return fmt.Errorf("mupdf version unknown")
	}
	return nil
}

// Ready reports whether Init completed successfully.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Init loads the rendering capability. The outcome is cached for the
// lifetime of the engine, including failures.
func (e *Engine) Init(ctx context.Context) error {
	e.once.Do(func() {
		start := time.Now()
		if err := e.validator.ValidateScale(e.scale); err != nil {
			e.initErr = err
			return
		}
		if err := e.probe(ctx); err != nil {
			e.initErr = domain.RasterizationError("engine", "rendering engine unavailable", err)
			e.logger.Error().Err(err).Msg("Rendering engine failed to initialize")
			return
		}
		e.ready.Store(true)
		e.logger.Debug().Dur("took", time.Since(start)).Msg("Rendering engine ready")
	})
	return e.initErr
}

// Render converts every page of the document into a PNG data URI, in page
// order. Either all pages are returned or none.
func (e *Engine) Render(ctx context.Context, docID string, data []byte) ([]domain.RenderedPage, error) {
	if !e.Ready() {
		if err := e.Init(ctx); err != nil {
			return nil, domain.RasterizationError(docID, "rendering engine not ready", err)
		}
	}

	expected, err := e.validator.ValidateDocument(data)
	if err != nil {
		return nil, domain.RasterizationError(docID, "document rejected", err)
	}

	doc, err := e.open(data)
	if err != nil {
		return nil, domain.RasterizationError(docID, "failed to open document", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.RasterizationError(docID, "document has no pages", nil)
	}
	if expected > 0 && expected != pageCount {
		e.logger.Warn().Str("doc", docID).Int("pdfcpu_pages", expected).Int("fitz_pages", pageCount).
			Msg("Page count mismatch between parsers")
	}

	pages := make([]domain.RenderedPage, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		page, err := e.renderPage(doc, pageNum)
		if err != nil {
			return nil, domain.RasterizationError(docID, fmt.Sprintf("failed to render page %d", pageNum+1), err)
		}
		page.SourceFileID = docID
		pages = append(pages, page)
	}

	e.logger.Debug().Str("doc", docID).Int("pages", len(pages)).Msg("Document rasterized")
	return pages, nil
}

// renderPage draws one page into a pooled buffer that goes back to the pool
// before returning.
func (e *Engine) renderPage(doc Document, pageNum int) (domain.RenderedPage, error) {
	img, err := doc.ImageDPI(pageNum, baseDPI*e.scale)
	if err != nil {
		return domain.RenderedPage{}, err
	}

	buf := e.buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.buffers.Put(buf)

	if err := png.Encode(buf, img); err != nil {
		return domain.RenderedPage{}, fmt.Errorf("encode png: %w", err)
	}

	bounds := img.Bounds()
	return domain.RenderedPage{
		PageIndex: pageNum,
		Image:     DataURI("image/png", buf.Bytes()),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}, nil
}

// DataURI encodes raw bytes as a base64 data URI.
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
