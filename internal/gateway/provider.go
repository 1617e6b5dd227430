package gateway

import "context"

// GenerateRequest is the provider-neutral model call.
type GenerateRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Generation is the provider response with actual token usage.
type Generation struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider calls an external model.
type Provider interface {
	Generate(ctx context.Context, modelID string, req GenerateRequest) (*Generation, error)
}
