package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"marketvane/internal/config"
	"marketvane/internal/logging"
)

// GeminiClient runs structured completions through the Google GenAI SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float64
	maxRetries  int
	minInterval time.Duration
	retryBase   time.Duration
	timeout     time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient builds a client from provider config.
func NewGeminiClient(cfg config.AIProviderConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gpt") {
		model = "gemini-2.0-flash"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		temperature: temperature,
		maxRetries:  maxRetries,
		minInterval: cfg.GetRateLimitDelay(),
		retryBase:   time.Second,
		timeout:     cfg.GetRequestTimeout(),
	}, nil
}

// Name identifies the backend and model for logs.
func (c *GeminiClient) Name() string {
	return fmt.Sprintf("gemini:%s", c.model)
}

// CompleteJSON sends the prompts with a typed response schema attached.
func (c *GeminiClient) CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (string, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.AnalyzeDebug("[Gemini] CompleteJSON: model=%s schema=%s system_len=%d user_len=%d",
		c.model, schemaName, len(system), len(user))

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	genConfig := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(c.temperature)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   toGenAISchema(schema),
	}
	if system != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	contents := []*genai.Content{
		genai.NewContentFromText(user, genai.RoleUser),
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * c.retryBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("generate failed: %w", err)
			continue
		}

		text := candidateText(resp)
		if text == "" {
			return "", fmt.Errorf("no completion returned")
		}
		logging.Analyze("[Gemini] CompleteJSON: completed in %v response_len=%d", time.Since(startTime), len(text))
		return text, nil
	}

	logging.AnalyzeError("[Gemini] CompleteJSON: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// toGenAISchema converts a plain JSON schema map into the SDK's typed form.
// Only the subset the analysis schemas use is mapped.
func toGenAISchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "array":
			s.Type = genai.TypeArray
		case "string":
			s.Type = genai.TypeString
		case "number":
			s.Type = genai.TypeNumber
		case "integer":
			s.Type = genai.TypeInteger
		case "boolean":
			s.Type = genai.TypeBoolean
		}
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if child, ok := raw.(map[string]any); ok {
				s.Properties[name] = toGenAISchema(child)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGenAISchema(items)
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if v, ok := m["minimum"].(float64); ok {
		s.Minimum = genai.Ptr(v)
	}
	if v, ok := m["maximum"].(float64); ok {
		s.Maximum = genai.Ptr(v)
	}
	return s
}
