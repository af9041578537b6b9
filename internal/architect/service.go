// Package architect turns the intake material into a visual schema, and a
// reviewed schema into a rendered figure.
package architect

import (
	"context"
	"strings"
	"time"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
	"github.com/spherical/academic-illustrator/internal/workflow"
)

var defaultPrompts = map[domain.Language]string{
	domain.LanguageEnglish: "Please analyze the uploaded document(s) and generate a Visual Schema.",
	domain.LanguageChinese: "请分析上传的文档并生成视觉架构。",
}

// DefaultPrompt is the content sent when the user typed nothing.
func DefaultPrompt(lang domain.Language) string {
	if p, ok := defaultPrompts[lang]; ok {
		return p
	}
	return defaultPrompts[domain.DefaultLanguage]
}

// Service runs schema generation and figure rendering against the workflow store
type Service struct {
	store     *workflow.Store
	generator domain.Generator
	renderer  domain.ImageRenderer
	logger    *observability.Logger
}

// NewService creates a new architect service
func NewService(store *workflow.Store, generator domain.Generator, renderer domain.ImageRenderer, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Service{
		store:     store,
		generator: generator,
		renderer:  renderer,
		logger:    logger.WithComponent("architect"),
	}
}

// Submit generates a schema from the stored paper text and images. On
// success the schema becomes active and the stage moves to Review.
// Generation errors are returned as-is and leave the store untouched.
func (s *Service) Submit(ctx context.Context, images []string) (*domain.GenerateResult, error) {
	logic := s.store.LogicConfig()
	if strings.TrimSpace(logic.APIKey) == "" {
		return nil, domain.ConfigError("logic model API key is not configured", nil)
	}

	content := strings.TrimSpace(s.store.PaperContent())
	if content == "" && len(images) == 0 {
		return nil, domain.ValidationError("paste paper text or upload at least one document", nil)
	}
	if content == "" {
		content = DefaultPrompt(s.store.Language())
	}
	if len(images) == 0 {
		images = nil
	}

	start := time.Now()
	s.logger.Info().Int("images", len(images)).Int("content_chars", len(content)).Msg("Submitting for schema generation")

	result, err := s.generator.Generate(ctx, content, logic, images)
	if err != nil {
		s.logger.Error().Err(err).Msg("Schema generation failed")
		return nil, err
	}

	s.store.SetGeneratedSchema(result.Schema)
	s.store.SetStage(domain.StageReview)

	s.logger.Info().Dur("elapsed", time.Since(start)).Msg("Schema ready for review")
	return result, nil
}

// Render draws the active schema with the vision model. references replace
// the session's reference images. On success the image becomes active, the
// schema and image are recorded in history and the stage moves to Render.
// Rendering errors are returned as-is and leave schema, image and history
// untouched.
func (s *Service) Render(ctx context.Context, references []string) (*domain.RenderResult, error) {
	schema := strings.TrimSpace(s.store.GeneratedSchema())
	if schema == "" {
		return nil, domain.ValidationError("generate or set a schema before rendering", nil)
	}
	vision := s.store.VisionConfig()
	if strings.TrimSpace(vision.APIKey) == "" {
		return nil, domain.ConfigError("vision model API key is not configured", nil)
	}
	if s.renderer == nil {
		return nil, domain.ConfigError("no image renderer configured", nil)
	}

	s.store.ClearReferenceImages()
	for _, ref := range references {
		s.store.AddReferenceImage(ref)
	}
	refs := s.store.ReferenceImages()
	if len(refs) == 0 {
		refs = nil
	}

	start := time.Now()
	s.logger.Info().Int("references", len(refs)).Int("schema_chars", len(schema)).Msg("Rendering figure")

	result, err := s.renderer.RenderImage(ctx, schema, vision, refs)
	if err != nil {
		s.logger.Error().Err(err).Msg("Figure rendering failed")
		return nil, err
	}

	image := result.Image
	s.store.SetGeneratedImage(&image)
	s.store.History().Add(s.store.GeneratedSchema(), &image)
	s.store.SetStage(domain.StageRender)

	s.logger.Info().Dur("elapsed", time.Since(start)).Msg("Figure ready")
	return result, nil
}
