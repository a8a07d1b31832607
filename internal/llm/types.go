// Package llm implements the chat-completion client used by the loop, the
// planner, and the sub-agents. The wire format is OpenAI-compatible; the
// request additionally carries a per-call logit_bias map and a cache key
// hinting the provider to keep its KV cache warm across prefix-sharing calls.
package llm

import (
	"context"

	"argo/pkg/types"
)

// Request is one completion call.
type Request struct {
	Messages    []types.Turn
	Temperature float64
	MaxTokens   int
	// LogitBias maps token-id strings to an additive logit adjustment in
	// [-100, 100]. It is the only per-call mechanism that narrows tool
	// availability; the message prefix stays byte-identical.
	LogitBias map[string]int
	// CacheKey asks the provider to preserve its KV cache across calls
	// sharing a prefix. Typically the task id.
	CacheKey string
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	Content string
	Usage   Usage
}

// Client is the completion capability the rest of the core depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
