package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spherical/academic-illustrator/internal/domain"
)

// GenerateContentRequest is the body of a generateContent call
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content is one turn of a generateContent conversation
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is text or inline binary data
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64 data with its media type
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GenerationConfig selects the output modalities
type GenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

// GenerateContentResponse is the reply of a generateContent call
type GenerateContentResponse struct {
	Candidates []struct {
		Content      Content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// RenderImage asks the image model in cfg to draw the figure described by
// schema. References are data URIs sent as style and layout guides. The
// result is the first image the model returns, as a data URI.
func (c *Client) RenderImage(ctx context.Context, schema string, cfg domain.ModelConfig, references []string) (*domain.RenderResult, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, domain.GenerationError("model base URL is not configured", nil)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.GenerationError("model API key is not configured", nil)
	}
	if strings.TrimSpace(schema) == "" {
		return nil, domain.ValidationError("there is no schema to render", nil)
	}

	req, err := buildImageRequest(schema, references)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.GenerationError("failed to marshal request", err)
	}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/models/" + url.PathEscape(cfg.ModelName) + ":generateContent"

	start := time.Now()
	result, err := c.imageCB.Execute(func() (*domain.RenderResult, error) {
		return c.sendImage(ctx, endpoint, cfg.APIKey, body)
	})
	if err != nil {
		return nil, generationFailure(err, "image")
	}

	c.logger.Info().
		Str("model", cfg.ModelName).
		Int("references", len(references)).
		Int("image_bytes", len(result.Image)).
		Dur("elapsed", time.Since(start)).
		Msg("Figure rendered")
	return result, nil
}

func (c *Client) sendImage(ctx context.Context, endpoint, apiKey string, body []byte) (*domain.RenderResult, error) {
	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", apiKey)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out GenerateContentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("prompt blocked: %s", out.PromptFeedback.BlockReason)
	}

	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "image/") && part.InlineData.Data != "" {
				return &domain.RenderResult{
					Image: "data:" + part.InlineData.MimeType + ";base64," + part.InlineData.Data,
				}, nil
			}
		}
	}
	return nil, errors.New("model returned no image")
}

func buildImageRequest(schema string, references []string) (*GenerateContentRequest, error) {
	parts := make([]Part, 0, len(references)+1)
	parts = append(parts, Part{Text: buildRenderPrompt(schema, len(references))})
	for i, ref := range references {
		mimeType, data, err := splitDataURI(ref)
		if err != nil {
			return nil, domain.ValidationError(fmt.Sprintf("reference image %d is not a data URI", i+1), err)
		}
		parts = append(parts, Part{InlineData: &Blob{MimeType: mimeType, Data: data}})
	}

	return &GenerateContentRequest{
		Contents:         []Content{{Role: "user", Parts: parts}},
		GenerationConfig: &GenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}, nil
}

func buildRenderPrompt(schema string, references int) string {
	var b strings.Builder
	b.WriteString(`You are a scientific illustrator. Draw ONE publication-quality academic figure that follows the Visual Schema below exactly.

RULES:
- Follow the layout, components and connections as written
- Use clean vector-style shapes, a white background and legible sans-serif labels
- Spell every label exactly as it appears in the schema
- Do not add decorative elements, watermarks or extra text
`)
	if references > 0 {
		fmt.Fprintf(&b, "- Match the visual style of the %d attached reference image(s) without copying their content\n", references)
	}
	b.WriteString("\nVISUAL SCHEMA:\n")
	b.WriteString(schema)
	return b.String()
}

// splitDataURI returns the media type and the base64 payload of a base64 data URI.
func splitDataURI(uri string) (mimeType, data string, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", errors.New("missing data: prefix")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", errors.New("missing payload")
	}
	mimeType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", "", errors.New("payload is not base64")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, data, nil
}

// ParseDataURI decodes a base64 data URI.
func ParseDataURI(uri string) (mimeType string, data []byte, err error) {
	mimeType, payload, err := splitDataURI(uri)
	if err != nil {
		return "", nil, err
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode payload: %w", err)
	}
	return mimeType, data, nil
}
