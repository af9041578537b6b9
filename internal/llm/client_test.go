package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/academic-illustrator/internal/domain"
)

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func modelConfig(url string) domain.ModelConfig {
	return domain.ModelConfig{BaseURL: url, APIKey: "sk-test", ModelName: "test-model"}
}

func jsonReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func TestGenerate_SendsTextAndImages(t *testing.T) {
	var got Request
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		jsonReply(w, "## Core Message\nA pipeline")
	}))
	defer srv.Close()

	client := NewClient(WithRetry(fastRetry()))
	images := []string{"data:image/png;base64,AAA", "data:image/png;base64,BBB"}
	res, err := client.Generate(context.Background(), "Transformer paper", modelConfig(srv.URL+"/"), images)
	require.NoError(t, err)

	assert.Equal(t, "## Core Message\nA pipeline", res.Schema)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 1)
	parts := got.Messages[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Contains(t, parts[0].Text, "Transformer paper")
	assert.Contains(t, parts[0].Text, "Visual Schema")
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, images[1], parts[2].ImageURL.URL)
}

func TestGenerate_ParsesEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"## Layout\\n\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Left to right\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	res, err := NewClient(WithRetry(fastRetry())).Generate(context.Background(), "text", modelConfig(srv.URL), nil)
	require.NoError(t, err)
	assert.Equal(t, "## Layout\nLeft to right", res.Schema)
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonReply(w, "schema")
	}))
	defer srv.Close()

	res, err := NewClient(WithRetry(fastRetry())).Generate(context.Background(), "text", modelConfig(srv.URL), nil)
	require.NoError(t, err)
	assert.Equal(t, "schema", res.Schema)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantMsg string
	}{
		{
			name: "unauthorized is not retried",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, "invalid key")
			},
			wantMsg: "status 401: invalid key",
		},
		{
			name: "retries exhausted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantMsg: "request failed after 2 retries",
		},
		{
			name: "empty schema",
			handler: func(w http.ResponseWriter, r *http.Request) {
				jsonReply(w, "   ")
			},
			wantMsg: "empty schema",
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"choices":[]}`)
			},
			wantMsg: "no choices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(WithRetry(fastRetry())).Generate(context.Background(), "text", modelConfig(srv.URL), nil)
			require.Error(t, err)
			assert.True(t, domain.IsType(err, domain.ErrorTypeGeneration))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestGenerate_RejectsIncompleteConfig(t *testing.T) {
	client := NewClient()

	_, err := client.Generate(context.Background(), "text", domain.ModelConfig{APIKey: "k"}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeGeneration))

	_, err = client.Generate(context.Background(), "text", domain.ModelConfig{BaseURL: "http://x"}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeGeneration))
}

func TestGenerate_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(
		WithRetry(&RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
		WithBreaker(BreakerConfig{MinRequests: 2, FailureRatio: 0.5, OpenTimeout: time.Minute}),
	)
	cfg := modelConfig(srv.URL)

	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), "text", cfg, nil)
		require.Error(t, err)
	}
	_, err := client.Generate(context.Background(), "text", cfg, nil)
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits the request")
}

func TestGenerate_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, "schema")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient().Generate(ctx, "text", modelConfig(srv.URL), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamParser_StopsAtFinishReason(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: not-json`,
		`data: {"choices":[{"delta":{"content":"b"},"finish_reason":"stop"}]}`,
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n")

	content, err := NewStreamParser(strings.NewReader(stream)).Collect()
	require.NoError(t, err)
	assert.Equal(t, "ab", content)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := &RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, cfg))
	assert.Equal(t, 5*time.Second, calculateBackoff(3, cfg))
}

func TestShouldRetry(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, shouldRetry(code), code)
	}
	for _, code := range []int{400, 401, 403, 404} {
		assert.False(t, shouldRetry(code), code)
	}
}
