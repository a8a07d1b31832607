package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"argo/internal/logging"
)

// retry schedule for transient transport errors.
var backoffSchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second}

// Config configures the HTTP sandbox client.
type Config struct {
	BaseURL   string
	APIKey    string
	Workspace string
	// RPCTimeout bounds each transport call. Default 30 s.
	RPCTimeout time.Duration
	// MaxExecTimeout clamps caller-supplied exec timeouts. Default 30 m.
	MaxExecTimeout time.Duration
}

type httpClient struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// NewHTTP constructs a sandbox client against the provider's REST surface.
func NewHTTP(cfg Config, logger logging.Logger) Client {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.MaxExecTimeout <= 0 {
		cfg.MaxExecTimeout = 30 * time.Minute
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "/workspace"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &httpClient{
		cfg: cfg,
		// No client-level timeout: exec calls carry their own deadline via
		// the request context.
		http:   &http.Client{},
		logger: logging.OrNop(logger),
	}
}

func (c *httpClient) Create(ctx context.Context) (*Handle, error) {
	body, status, err := c.call(ctx, http.MethodPost, "/v1/sandboxes", map[string]any{
		"workspace": c.cfg.Workspace,
	}, c.cfg.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, snippet(body))
	}
	var parsed struct {
		ID        string `json:"id"`
		Workspace string `json:"workspace"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.ID == "" {
		return nil, fmt.Errorf("%w: malformed create response", ErrUnavailable)
	}
	ws := parsed.Workspace
	if ws == "" {
		ws = c.cfg.Workspace
	}
	c.logger.Info("sandbox %s created (workspace %s)", parsed.ID, ws)
	return &Handle{ID: parsed.ID, Workspace: ws}, nil
}

func (c *httpClient) WriteFile(ctx context.Context, h *Handle, path string, data []byte) error {
	endpoint := fmt.Sprintf("/v1/sandboxes/%s/files?path=%s", h.ID, url.QueryEscape(path))
	body, status, err := c.callRaw(ctx, http.MethodPut, endpoint, data, c.cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFS, err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("%w: write %s: status %d: %s", ErrFS, path, status, snippet(body))
	}
	return nil
}

func (c *httpClient) ReadFile(ctx context.Context, h *Handle, path string) ([]byte, error) {
	endpoint := fmt.Sprintf("/v1/sandboxes/%s/files?path=%s", h.ID, url.QueryEscape(path))
	body, status, err := c.callRaw(ctx, http.MethodGet, endpoint, nil, c.cfg.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFS, err)
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		return nil, fmt.Errorf("%w: read %s: status %d: %s", ErrFS, path, status, snippet(body))
	}
}

func (c *httpClient) ListFiles(ctx context.Context, h *Handle, path string) ([]Entry, error) {
	endpoint := fmt.Sprintf("/v1/sandboxes/%s/files/list?path=%s", h.ID, url.QueryEscape(path))
	body, status, err := c.callRaw(ctx, http.MethodGet, endpoint, nil, c.cfg.RPCTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFS, err)
	}
	switch status {
	case http.StatusOK:
		var parsed struct {
			Entries []Entry `json:"entries"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("%w: malformed list response: %v", ErrFS, err)
		}
		return parsed.Entries, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		return nil, fmt.Errorf("%w: list %s: status %d: %s", ErrFS, path, status, snippet(body))
	}
}

func (c *httpClient) Exec(ctx context.Context, h *Handle, command, workdir string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if timeout > c.cfg.MaxExecTimeout {
		timeout = c.cfg.MaxExecTimeout
	}
	start := time.Now()
	// Transport budget: the command timeout plus slack for the round trip.
	body, status, err := c.call(ctx, http.MethodPost, fmt.Sprintf("/v1/sandboxes/%s/exec", h.ID), map[string]any{
		"command":         command,
		"workdir":         workdir,
		"timeout_seconds": int(timeout.Seconds()),
	}, timeout+10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExec, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrExec, status, snippet(body))
	}
	var parsed struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed exec response: %v", ErrExec, err)
	}
	result := &ExecResult{
		ExitCode: parsed.ExitCode,
		Duration: time.Since(start),
	}
	result.Stdout, result.StdoutTruncated = truncate(parsed.Stdout, MaxCaptureBytes)
	result.Stderr, result.StderrTruncated = truncate(parsed.Stderr, MaxCaptureBytes)
	return result, nil
}

func (c *httpClient) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	body, status, err := c.callRaw(ctx, http.MethodDelete, "/v1/sandboxes/"+h.ID, nil, c.cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("%w: destroy: %v", ErrUnavailable, err)
	}
	// 404 means already gone; destroy is idempotent.
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("%w: destroy: status %d: %s", ErrUnavailable, status, snippet(body))
	}
	c.logger.Info("sandbox %s destroyed", h.ID)
	return nil
}

// call sends a JSON body and returns the response body and status, retrying
// transient failures per the backoff schedule.
func (c *httpClient) call(ctx context.Context, method, endpoint string, payload any, timeout time.Duration) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	return c.callRaw(ctx, method, endpoint, data, timeout)
}

func (c *httpClient) callRaw(ctx context.Context, method, endpoint string, payload []byte, timeout time.Duration) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoffSchedule[attempt-1]):
			}
		}
		body, status, err := c.once(ctx, method, endpoint, payload, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		// 5xx from the provider is transient; everything else is the
		// caller's to interpret.
		if status >= 500 {
			lastErr = fmt.Errorf("provider status %d: %s", status, snippet(body))
			continue
		}
		return body, status, nil
	}
	return nil, 0, lastErr
}

func (c *httpClient) once(ctx context.Context, method, endpoint string, payload []byte, timeout time.Duration) ([]byte, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}
