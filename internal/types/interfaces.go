package types

import "context"

// LLMClient is the interface for AI provider interaction. Implementations
// live in internal/ai; consumers (analyzer, enrichment, channel resolver)
// depend only on this.
type LLMClient interface {
	// Complete sends a prompt and returns the text response.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a system + user prompt pair.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteJSON forces the response through a tool-call with a strict
	// JSON schema and returns the raw JSON arguments.
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, tool ToolDefinition) ([]byte, error)
}

// ToolDefinition describes a tool the model must call, with a JSON schema
// for its arguments.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// TokenUsage reports prompt/completion token counts for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
