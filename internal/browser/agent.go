// Package browser implements the headless-browser sub-agent. A chromedp
// context is created lazily on first use and torn down when the owning task
// ends; initialization failure is reported as ErrUnavailable, which callers
// treat as non-fatal.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/kaptinlin/jsonrepair"

	"argo/internal/llm"
	"argo/internal/logging"
	"argo/pkg/types"
)

// ErrUnavailable marks a browser that could not initialize.
var ErrUnavailable = errors.New("browser: unavailable")

// ActionKind enumerates structured browser actions.
type ActionKind string

const (
	ActNavigate   ActionKind = "navigate"
	ActClick      ActionKind = "click"
	ActFill       ActionKind = "fill"
	ActExtract    ActionKind = "extract"
	ActScreenshot ActionKind = "screenshot"
)

// Action is one structured browser step.
type Action struct {
	Kind     ActionKind `json:"tool"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
}

// Result is one step's outcome.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	// Screenshot holds PNG bytes for the screenshot action.
	Screenshot []byte `json:"-"`
	Err        string `json:"error,omitempty"`
}

// Agent drives a lazily created browser context.
type Agent struct {
	llm     llm.Client
	timeout time.Duration
	logger  logging.Logger

	mu        sync.Mutex
	allocCtx  context.Context
	browser   context.Context
	cancelers []context.CancelFunc
	broken    bool
}

// New builds the agent. The LLM client plans steps for natural-language
// tasks; it may be nil when only structured actions are used.
func New(client llm.Client, timeout time.Duration, logger logging.Logger) *Agent {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Agent{llm: client, timeout: timeout, logger: logging.OrNop(logger)}
}

// ensure creates the browser context on first use.
func (a *Agent) ensure(ctx context.Context) (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken {
		return nil, ErrUnavailable
	}
	if a.browser != nil {
		return a.browser, nil
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Headless)...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	// A first no-op run surfaces missing-binary failures here instead of
	// inside the caller's action.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		a.broken = true
		a.logger.Warn("browser init failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.allocCtx = allocCtx
	a.browser = browserCtx
	a.cancelers = []context.CancelFunc{cancelBrowser, cancelAlloc}
	return a.browser, nil
}

// Do executes one structured action.
func (a *Agent) Do(ctx context.Context, action Action) Result {
	browserCtx, err := a.ensure(ctx)
	if err != nil {
		return Result{Err: err.Error()}
	}
	runCtx, cancel := context.WithTimeout(browserCtx, a.timeout)
	defer cancel()

	switch action.Kind {
	case ActNavigate:
		if err := chromedp.Run(runCtx, chromedp.Navigate(action.URL)); err != nil {
			return Result{Err: err.Error()}
		}
		return Result{Success: true, Output: "navigated to " + action.URL}
	case ActClick:
		if err := chromedp.Run(runCtx, chromedp.Click(action.Selector, chromedp.ByQuery)); err != nil {
			return Result{Err: err.Error()}
		}
		return Result{Success: true, Output: "clicked " + action.Selector}
	case ActFill:
		err := chromedp.Run(runCtx,
			chromedp.Clear(action.Selector, chromedp.ByQuery),
			chromedp.SendKeys(action.Selector, action.Value, chromedp.ByQuery),
		)
		if err != nil {
			return Result{Err: err.Error()}
		}
		return Result{Success: true, Output: "filled " + action.Selector}
	case ActExtract:
		selector := action.Selector
		if selector == "" {
			selector = "body"
		}
		var text string
		if err := chromedp.Run(runCtx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
			return Result{Err: err.Error()}
		}
		return Result{Success: true, Output: strings.TrimSpace(text)}
	case ActScreenshot:
		var png []byte
		if err := chromedp.Run(runCtx, chromedp.FullScreenshot(&png, 90)); err != nil {
			return Result{Err: err.Error()}
		}
		return Result{Success: true, Output: fmt.Sprintf("screenshot: %d bytes", len(png)), Screenshot: png}
	default:
		return Result{Err: "unknown browser action: " + string(action.Kind)}
	}
}

// RunTask executes a natural-language browser task by asking the LLM for a
// short structured plan and running it step by step.
func (a *Agent) RunTask(ctx context.Context, instruction string) Result {
	if a.llm == nil {
		return Result{Err: "browser task planning requires an LLM client"}
	}
	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: "Plan browser steps. Respond with a JSON array of objects {\"tool\": \"navigate|click|fill|extract|screenshot\", \"url\", \"selector\", \"value\"}. At most 8 steps; end with an extract."},
			{Role: types.RoleUser, Content: instruction},
		},
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return Result{Err: "browser plan failed: " + err.Error()}
	}
	repaired, err := jsonrepair.JSONRepair(resp.Content)
	if err != nil {
		repaired = resp.Content
	}
	var steps []Action
	if err := json.Unmarshal([]byte(repaired), &steps); err != nil || len(steps) == 0 {
		return Result{Err: "browser plan unparseable"}
	}
	if len(steps) > 8 {
		steps = steps[:8]
	}

	var lastOutput string
	for i, step := range steps {
		result := a.Do(ctx, step)
		if !result.Success {
			return Result{Err: fmt.Sprintf("step %d (%s) failed: %s", i+1, step.Kind, result.Err)}
		}
		if result.Output != "" {
			lastOutput = result.Output
		}
	}
	return Result{Success: true, Output: lastOutput}
}

// Close tears the browser context down. Idempotent.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.cancelers {
		cancel()
	}
	a.cancelers = nil
	a.browser = nil
	a.allocCtx = nil
}
