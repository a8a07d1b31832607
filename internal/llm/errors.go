package llm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRateLimited marks 429 responses; callers retry with jitter.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrContextOverflow marks context-length rejections; the loop compresses
	// the conversation and retries once.
	ErrContextOverflow = errors.New("llm: context overflow")
	// ErrProvider marks non-retryable provider failures (auth, quota, 4xx).
	ErrProvider = errors.New("llm: provider error")
	// ErrTransient marks transport-level failures worth one retry.
	ErrTransient = errors.New("llm: transient transport error")
)

func classifyStatus(status int, body string) error {
	switch {
	case status == 429:
		return fmt.Errorf("%w: %s", ErrRateLimited, snippet(body))
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, snippet(body))
	case status == 400 && looksLikeOverflow(body):
		return fmt.Errorf("%w: %s", ErrContextOverflow, snippet(body))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrProvider, status, snippet(body))
	}
}

func looksLikeOverflow(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "context window")
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 300 {
		return body[:300] + "…"
	}
	return body
}
