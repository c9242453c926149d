package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"marketvane/internal/config"
	"marketvane/internal/types"
)

func testAIConfig(baseURL string) config.AIProviderConfig {
	return config.AIProviderConfig{
		Provider:       "openai",
		APIKey:         "test-key",
		BaseURL:        baseURL,
		Model:          "gpt-4o-mini",
		MaxRetries:     2,
		RateLimitDelay: "1ms",
		RequestTimeout: "5s",
	}
}

func scoreSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score": map[string]any{"type": "number", "minimum": 0.0, "maximum": 10.0},
			"evidence": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"score"},
	}
}

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"total_tokens": 42},
	})
	return string(body)
}

func TestOpenAICompleteJSONSendsSchema(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(completionBody(`{"score": 8}`)))
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))
	result, err := c.CompleteJSON(context.Background(), "You score pages.", "Score this.", "persona_scores", scoreSchema())
	require.NoError(t, err)
	assert.JSONEq(t, `{"score": 8}`, result)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	require.NotNil(t, got.ResponseFormat.JSONSchema)
	assert.Equal(t, "persona_scores", got.ResponseFormat.JSONSchema.Name)
	assert.True(t, got.ResponseFormat.JSONSchema.Strict)
}

func TestOpenAIRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionBody(`{}`)))
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))
	c.retryBase = time.Millisecond

	_, err := c.CompleteJSON(context.Background(), "", "hi", "empty", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestOpenAISurfacesServerErrorStatus(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))
	c.retryBase = time.Millisecond

	_, err := c.CompleteJSON(context.Background(), "", "hi", "empty", nil)
	require.Error(t, err)

	var httpErr *types.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, int64(3), calls.Load()) // initial + 2 retries
}

func TestOpenAIBadRequestFailsFast(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unknown model"}}`))
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))

	_, err := c.CompleteJSON(context.Background(), "", "hi", "scores", scoreSchema())
	require.Error(t, err)

	var httpErr *types.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, int64(1), calls.Load())
}

func TestOpenAIDropsRejectedResponseFormat(t *testing.T) {
	var second chatRequest
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"response_format is not supported for this model"}}`))
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&second))
		w.Write([]byte(completionBody(`{"score": 5}`)))
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))
	c.retryBase = time.Millisecond

	result, err := c.CompleteJSON(context.Background(), "", "hi", "scores", scoreSchema())
	require.NoError(t, err)
	assert.JSONEq(t, `{"score": 5}`, result)
	assert.Equal(t, int64(2), calls.Load())
	assert.Nil(t, second.ResponseFormat)
}

func TestOpenAIEmptyChoicesIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))
	_, err := c.CompleteJSON(context.Background(), "", "hi", "empty", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no completion returned")
}

func TestOpenAIMissingKeyIsError(t *testing.T) {
	cfg := testAIConfig("http://localhost:1")
	cfg.APIKey = ""
	c := NewOpenAIClient(cfg)
	_, err := c.CompleteJSON(context.Background(), "", "hi", "empty", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not configured")
}

func TestFactorySelectsBackend(t *testing.T) {
	c, err := New(testAIConfig("http://localhost:1"))
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o-mini", c.Name())

	_, err = New(config.AIProviderConfig{Provider: "gemini"})
	require.Error(t, err) // no API key

	_, err = New(config.AIProviderConfig{Provider: "claude-cli"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown AI provider")
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, CleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSON(`  {"a":1}  `))
}

func TestToGenAISchemaMapsStructure(t *testing.T) {
	s := toGenAISchema(scoreSchema())
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"score"}, s.Required)

	score := s.Properties["score"]
	require.NotNil(t, score)
	assert.Equal(t, genai.TypeNumber, score.Type)
	require.NotNil(t, score.Minimum)
	assert.Equal(t, 0.0, *score.Minimum)
	require.NotNil(t, score.Maximum)
	assert.Equal(t, 10.0, *score.Maximum)

	evidence := s.Properties["evidence"]
	require.NotNil(t, evidence)
	assert.Equal(t, genai.TypeArray, evidence.Type)
	require.NotNil(t, evidence.Items)
	assert.Equal(t, genai.TypeString, evidence.Items.Type)
}

func TestCompleteJSONHonorsContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewOpenAIClient(testAIConfig(server.URL))
	c.retryBase = time.Hour // would stall without cancellation

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CompleteJSON(ctx, "", "hi", "empty", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
