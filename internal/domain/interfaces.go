package domain

import "context"

// Rasterizer turns a paginated document into ordered page images
type Rasterizer interface {
	// Ready reports whether the rendering engine finished initialization
	Ready() bool

	// Init loads the rendering engine once; later calls return the cached outcome
	Init(ctx context.Context) error

	// Render rasterizes every page of the document in page order
	Render(ctx context.Context, docID string, data []byte) ([]RenderedPage, error)
}

// KVStore is a string-keyed persistent value store.
// Get never fails: unreadable or missing records report ok=false.
type KVStore interface {
	Get(ctx context.Context, key string) (value string, ok bool)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Generator produces a visual schema from text and optional page images
type Generator interface {
	Generate(ctx context.Context, content string, cfg ModelConfig, images []string) (*GenerateResult, error)
}

// GenerateResult is what the generation collaborator returns
type GenerateResult struct {
	Schema string `json:"schema"`
}

// ImageRenderer draws a figure from a visual schema, optionally guided by
// reference images
type ImageRenderer interface {
	RenderImage(ctx context.Context, schema string, cfg ModelConfig, references []string) (*RenderResult, error)
}

// RenderResult is what the image collaborator returns
type RenderResult struct {
	Image string `json:"image"` // data URI
}
