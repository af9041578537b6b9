// Package llm talks to OpenAI-compatible chat completion endpoints to turn
// paper text and page images into a visual schema.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

const defaultTimeout = 120 * time.Second

// Client handles communication with the generation endpoint
type Client struct {
	httpClient *http.Client
	retry      *RetryConfig
	breaker    *gobreaker.CircuitBreaker[*domain.GenerateResult]
	imageCB    *gobreaker.CircuitBreaker[*domain.RenderResult]
	logger     *observability.Logger
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents a message delta in streaming response
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	retry      *RetryConfig
	breaker    BreakerConfig
	logger     *observability.Logger
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithTimeout bounds a whole Generate call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

func WithRetry(cfg *RetryConfig) Option {
	return func(o *clientOptions) { o.retry = cfg }
}

func WithBreaker(cfg BreakerConfig) Option {
	return func(o *clientOptions) { o.breaker = cfg }
}

func WithLogger(logger *observability.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// NewClient creates a new generation client
func NewClient(opts ...Option) *Client {
	o := clientOptions{
		timeout: defaultTimeout,
		retry:   DefaultRetryConfig(),
		breaker: DefaultBreakerConfig(),
		logger:  observability.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}

	c := &Client{
		httpClient: o.httpClient,
		retry:      o.retry,
		logger:     o.logger.WithComponent("llm"),
	}
	c.breaker = newBreaker[*domain.GenerateResult]("generation", o.breaker, c)
	c.imageCB = newBreaker[*domain.RenderResult]("image", o.breaker, c)
	return c
}

// Generate asks the model in cfg for a visual schema of content. Images are
// sent as data URIs alongside the text.
func (c *Client) Generate(ctx context.Context, content string, cfg domain.ModelConfig, images []string) (*domain.GenerateResult, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, domain.GenerationError("model base URL is not configured", nil)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.GenerationError("model API key is not configured", nil)
	}

	body, err := json.Marshal(c.buildRequest(content, cfg.ModelName, images))
	if err != nil {
		return nil, domain.GenerationError("failed to marshal request", err)
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"

	start := time.Now()
	result, err := c.breaker.Execute(func() (*domain.GenerateResult, error) {
		return c.send(ctx, endpoint, cfg.APIKey, body)
	})
	if err != nil {
		return nil, generationFailure(err, "generation")
	}

	c.logger.Info().
		Str("model", cfg.ModelName).
		Int("images", len(images)).
		Int("schema_chars", len(result.Schema)).
		Dur("elapsed", time.Since(start)).
		Msg("Visual schema generated")
	return result, nil
}

// generationFailure maps a failed call to the message shown to the user.
func generationFailure(err error, kind string) error {
	if IsCircuitOpen(err) {
		return domain.GenerationError(kind+" endpoint is unavailable, try again later", err)
	}
	var serr *statusError
	if errors.As(err, &serr) && !shouldRetry(serr.Code) {
		return domain.GenerationError(fmt.Sprintf("API returned status %d: %s", serr.Code, strings.TrimSpace(serr.Body)), nil)
	}
	return domain.GenerationError(kind+" request failed", err)
}

func (c *Client) send(ctx context.Context, endpoint, apiKey string, body []byte) (*domain.GenerateResult, error) {
	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream, application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("X-Title", "Academic Illustrator")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	schema, err := parseResponse(resp)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(schema) == "" {
		return nil, errors.New("model returned an empty schema")
	}
	return &domain.GenerateResult{Schema: strings.TrimSpace(schema)}, nil
}

// parseResponse reads a streamed or a plain JSON completion.
func parseResponse(resp *http.Response) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		content, err := NewStreamParser(resp.Body).Collect()
		if err != nil {
			return "", fmt.Errorf("failed to parse stream: %w", err)
		}
		return content, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// buildRequest constructs the chat request: one user message holding the
// instructions and paper text followed by each image.
func (c *Client) buildRequest(content, model string, images []string) *Request {
	parts := make([]ContentPart, 0, len(images)+1)
	parts = append(parts, ContentPart{
		Type: "text",
		Text: buildPrompt(content),
	})
	for _, img := range images {
		parts = append(parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: img},
		})
	}

	return &Request{
		Model:    model,
		Messages: []Message{{Role: "user", Content: parts}},
		Stream:   true,
	}
}

// buildPrompt creates the schema prompt around the user's content
func buildPrompt(content string) string {
	return `You are a scientific illustration architect. Read the paper material below (and any attached page images) and produce a Visual Schema: a structured blueprint an illustrator can draw a single academic figure from.

Return ONLY Markdown with these sections:

## Core Message
One or two sentences stating what the figure must communicate.

## Layout
The overall composition (e.g. left-to-right pipeline, two-panel comparison, layered stack) and how space is divided.

## Components
A bullet per visual element: its label, shape, relative position and what it represents.

## Connections
A bullet per arrow or grouping: source, target, label and meaning.

## Style
Palette, typography and visual conventions suited to a publication figure.

RULES:
- Use the paper's own terminology for labels
- Do not invent results or numbers that are not in the material
- Keep the schema concrete enough to draw without re-reading the paper

MATERIAL:
` + content
}
