package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"argo/internal/logging"
	"argo/pkg/types"
)

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Headers map[string]string
}

type httpClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

// New constructs a client speaking the OpenAI-compatible chat completions API.
func New(cfg Config, logger logging.Logger) (Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrProvider)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(c.wireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("POST %s model=%s messages=%d bias=%d", endpoint, c.model, len(req.Messages), len(req.LogitBias))

	resp, err := c.httpClient.Do(httpReq)
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
		Choices []struct {
			Message wireMessage `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrProvider)
	}
	return &Response{Content: parsed.Choices[0].Message.Content, Usage: parsed.Usage}, nil
}

// wireRequest builds the raw request map. A map keeps the optional fields
// (logit_bias, user_cache_key) out of the payload entirely when unset, which
// some gateways require.
func (c *httpClient) wireRequest(req Request) map[string]any {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}
	wire := map[string]any{
		"model":       c.model,
		"messages":    msgs,
		"temperature": req.Temperature,
		"stream":      false,
	}
	if req.MaxTokens > 0 {
		wire["max_tokens"] = req.MaxTokens
	}
	if len(req.LogitBias) > 0 {
		wire["logit_bias"] = req.LogitBias
	}
	if req.CacheKey != "" {
		wire["user_cache_key"] = req.CacheKey
	}
	return wire
}

func wrapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Turns is a convenience for building a message list.
func Turns(turns ...types.Turn) []types.Turn { return turns }
