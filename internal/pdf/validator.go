package pdf

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

const maxDocumentSize = 100 * 1024 * 1024 // 100MB

var pdfMagic = []byte("%PDF-")

// Validator provides input validation for PDF payloads
type Validator struct {
	// Structural enables a pdfcpu parse before rasterization.
	Structural bool
	logger     *observability.Logger
}

// NewValidator creates a validator with structural checks enabled
func NewValidator(logger *observability.Logger) *Validator {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Validator{Structural: true, logger: logger}
}

// ValidateDocument checks the payload looks like a PDF. With structural checks
// enabled it also returns the page count pdfcpu reads from the page tree.
// The structural check is advisory: when pdfcpu cannot read the document the
// count is 0 and the renderer decides whether it opens.
func (v *Validator) ValidateDocument(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, domain.ValidationError("document is empty", nil)
	}

	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), pdfMagic) {
		return 0, domain.ValidationError("document is not a PDF (missing %PDF- header)", nil)
	}

	// Large files are allowed, just slow
	if len(data) > maxDocumentSize && v.logger != nil {
		v.logger.Warn().Int("size_mb", len(data)/(1024*1024)).Msg("PDF is very large, rasterization may take a while")
	}

	if !v.Structural {
		return 0, nil
	}

	pages, err := pageCount(data)
	if err != nil {
		if v.logger != nil {
			v.logger.Warn().Err(err).Msg("Structural check failed, leaving the document to the renderer")
		}
		return 0, nil
	}
	return pages, nil
}

// pageCount asks pdfcpu for the page count. pdfcpu can panic on damaged
// cross-reference data, so panics come back as errors.
func pageCount(data []byte) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err = api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("read page tree: %w", err)
	}
	return pages, nil
}

// ValidateScale validates the render upscaling factor
func (v *Validator) ValidateScale(scale float64) error {
	if scale <= 0 || scale > 8 {
		return domain.ValidationError(fmt.Sprintf("scale must be in (0, 8], got %g", scale), nil)
	}
	return nil
}
