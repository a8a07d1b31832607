package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"argo/internal/logging"
)

// EmbedFunc embeds one text into a vector. The signature matches what the
// knowledge hub's semantic index expects.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// NewEmbedder returns an EmbedFunc speaking the OpenAI-compatible embeddings
// API of the same provider the chat client talks to. model names the
// embedding model, independent of the chat model.
func NewEmbedder(cfg Config, model string, logger logging.Logger) (EmbedFunc, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrProvider)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: embedding model is required", ErrProvider)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := logging.OrNop(logger)
	client := &http.Client{Timeout: timeout}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"

	return func(ctx context.Context, text string) ([]float32, error) {
		body, err := json.Marshal(map[string]any{
			"model": model,
			"input": []string{text},
		})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
		for k, v := range cfg.Headers {
			httpReq.Header.Set(k, v)
		}

		log.Debug("POST %s model=%s chars=%d", endpoint, model, len(text))

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, wrapTransportError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, wrapTransportError(err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(resp.StatusCode, string(raw))
		}

		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
		}
		if len(parsed.Data) == 0 {
			return nil, fmt.Errorf("%w: empty embedding data", ErrProvider)
		}
		return parsed.Data[0].Embedding, nil
	}, nil
}
