// Package ai provides structured-output completion clients for content
// analysis. Both backends force the model to answer with JSON matching a
// caller-supplied schema, so analysis results unmarshal without repair
// heuristics.
package ai

import (
	"context"
	"fmt"
	"strings"

	"marketvane/internal/config"
)

// Client is the surface the analysis phase talks to.
type Client interface {
	// Name identifies the backend and model for logs.
	Name() string
	// CompleteJSON sends a system and user prompt and returns the raw JSON
	// text satisfying the named schema.
	CompleteJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (string, error)
}

// New selects the backend from provider config.
func New(cfg config.AIProviderConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unknown AI provider: %s", cfg.Provider)
	}
}

// CleanJSON removes markdown code fences some models wrap around JSON output.
func CleanJSON(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
