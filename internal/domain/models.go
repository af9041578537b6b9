package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	MimePDF = "application/pdf"

	// MaxHistoryItems bounds the persisted history.
	MaxHistoryItems = 20
)

// FileInput is one element of an intake batch as handed over by the caller.
type FileInput struct {
	Name     string
	MimeType string
	Data     []byte
}

// UploadedFile is a file accepted by the intake coordinator.
type UploadedFile struct {
	ID           string
	Name         string
	MimeType     string
	RawData      string // data URI for raster images, empty for paginated documents
	PreviewImage string // data URI of the first page
	PageCount    int
}

// RenderedPage is one page image derived from an uploaded file.
type RenderedPage struct {
	SourceFileID string
	PageIndex    int // 0-based
	Image        string
	Width        int
	Height       int
}

// ModelConfig addresses an OpenAI-compatible model endpoint
type ModelConfig struct {
	BaseURL   string `json:"baseUrl"`
	APIKey    string `json:"apiKey"`
	ModelName string `json:"modelName"`
}

// DefaultLogicConfig returns the schema generation endpoint defaults.
func DefaultLogicConfig() ModelConfig {
	return ModelConfig{
		BaseURL:   "https://api.deepseek.com",
		APIKey:    "",
		ModelName: "deepseek-chat",
	}
}

// DefaultVisionConfig returns the render endpoint defaults.
func DefaultVisionConfig() ModelConfig {
	return ModelConfig{
		BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
		APIKey:    "",
		ModelName: "gemini-3-pro-image-preview",
	}
}

// Language is the UI language selection
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageChinese Language = "zh"

	DefaultLanguage = LanguageChinese
)

// ParseLanguage validates a language code.
func ParseLanguage(s string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case LanguageEnglish:
		return LanguageEnglish, nil
	case LanguageChinese:
		return LanguageChinese, nil
	}
	return "", ValidationError(fmt.Sprintf("unknown language %q (want en or zh)", s), nil)
}

// Stage is the workflow step the user is on.
type Stage int

const (
	StageIntake Stage = iota
	StageReview
	StageRender
)

func (s Stage) String() string {
	switch s {
	case StageIntake:
		return "intake"
	case StageReview:
		return "review"
	case StageRender:
		return "render"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// RequiresSchema reports whether entering the stage needs a generated schema.
func (s Stage) RequiresSchema() bool {
	return s == StageReview || s == StageRender
}

// ParseStage accepts a stage name or its 1-based step number.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intake", "1":
		return StageIntake, nil
	case "review", "2":
		return StageReview, nil
	case "render", "3":
		return StageRender, nil
	}
	return 0, ValidationError(fmt.Sprintf("unknown stage %q", s), nil)
}

// HistoryItem is one past generation result
type HistoryItem struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Schema    string  `json:"schema"`
	ImageURL  *string `json:"imageUrl"`
}

// CreatedAt returns the creation instant.
func (h HistoryItem) CreatedAt() time.Time {
	return time.UnixMilli(h.Timestamp)
}

// WorkflowSnapshot is the persisted subset of the workflow state.
type WorkflowSnapshot struct {
	LogicConfig     ModelConfig   `json:"logicConfig"`
	VisionConfig    ModelConfig   `json:"visionConfig"`
	Language        Language      `json:"language"`
	PaperContent    string        `json:"paperContent"`
	GeneratedSchema string        `json:"generatedSchema"`
	History         []HistoryItem `json:"history"`
}

// DefaultSnapshot returns the state used when nothing was persisted yet.
func DefaultSnapshot() WorkflowSnapshot {
	return WorkflowSnapshot{
		LogicConfig:  DefaultLogicConfig(),
		VisionConfig: DefaultVisionConfig(),
		Language:     DefaultLanguage,
		History:      []HistoryItem{},
	}
}

// EventType represents the type of intake event
type EventType string

const (
	EventStart          EventType = "start"
	EventFileProcessing EventType = "file_processing"
	EventFileComplete   EventType = "file_complete"
	EventFileSkipped    EventType = "file_skipped"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// IntakeEvent represents an event emitted while a batch is processed
type IntakeEvent struct {
	Type      EventType   `json:"type"`
	FileName  string      `json:"file_name,omitempty"`
	FileIndex int         `json:"file_index"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
