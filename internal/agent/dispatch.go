package agent

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"argo/internal/browser"
	"argo/internal/knowledge"
	"argo/internal/orchestrator"
	"argo/internal/planner"
	"argo/internal/tools"
	"argo/pkg/types"
)

// eventOutputCap bounds file contents recorded in the event log.
const eventOutputCap = 16 * 1024

// dispatch executes one validated action and returns its result. Failures
// are values on the result; only context cancellation escapes as an error.
func (l *Loop) dispatch(ctx context.Context, action types.Action) types.ActionResult {
	start := time.Now()
	result := types.ActionResult{Action: action}

	switch action.Tool {
	case tools.ToolCreateFile:
		l.doCreateFile(ctx, action, &result)
	case tools.ToolReadFile:
		l.doReadFile(ctx, action, &result)
	case tools.ToolListFiles:
		l.doListFiles(ctx, action, &result)
	case tools.ToolExecute:
		l.doExec(ctx, action, &result, false)
	case tools.ToolVerify:
		l.doExec(ctx, action, &result, true)
	case tools.ToolUpdateTodo:
		l.doUpdateTodo(ctx, action, &result)
	case tools.ToolBrowser:
		l.doBrowser(ctx, action, &result)
	case tools.ToolSearchWeb:
		l.doSearch(ctx, action, &result)
	case tools.ToolDelegate:
		l.doDelegate(ctx, action, &result)
	case tools.ToolThink:
		result.Success = true
		result.Output = action.Param("THOUGHT")
	default:
		result.Error = "unhandled tool: " + action.Tool
	}

	result.Duration = time.Since(start)
	return result
}

// resolvePath confines a model-supplied path to the workspace root.
func (l *Loop) resolvePath(p string) (string, error) {
	root := l.handle.Workspace
	if !path.IsAbs(p) {
		p = path.Join(root, p)
	}
	cleaned := path.Clean(p)
	if cleaned != root && !strings.HasPrefix(cleaned, root+"/") {
		return "", fmt.Errorf("path %s escapes the workspace root %s", p, root)
	}
	return cleaned, nil
}

func (l *Loop) doCreateFile(ctx context.Context, action types.Action, result *types.ActionResult) {
	target, err := l.resolvePath(action.Param("PATH"))
	if err != nil {
		result.Error = err.Error()
		return
	}
	content := action.Param("CONTENT")
	if err := l.deps.Sandbox.WriteFile(ctx, l.handle, target, []byte(content)); err != nil {
		result.Error = err.Error()
		return
	}
	result.Success = true
	result.Output = fmt.Sprintf("wrote %d bytes to %s", len(content), target)
}

func (l *Loop) doReadFile(ctx context.Context, action types.Action, result *types.ActionResult) {
	target, err := l.resolvePath(action.Param("PATH"))
	if err != nil {
		result.Error = err.Error()
		return
	}
	data, err := l.deps.Sandbox.ReadFile(ctx, l.handle, target)
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.Success = true
	result.Output = string(data)
	if len(result.Output) > eventOutputCap {
		result.Output = result.Output[:eventOutputCap] + "\n…(truncated)"
	}
}

func (l *Loop) doListFiles(ctx context.Context, action types.Action, result *types.ActionResult) {
	dir := action.Param("PATH")
	if dir == "" {
		dir = l.handle.Workspace
	}
	target, err := l.resolvePath(dir)
	if err != nil {
		result.Error = err.Error()
		return
	}
	entries, err := l.deps.Sandbox.ListFiles(ctx, l.handle, target)
	if err != nil {
		result.Error = err.Error()
		return
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			b.WriteString(e.Name + "/\n")
		} else {
			b.WriteString(e.Name + "\n")
		}
	}
	result.Success = true
	result.Output = b.String()
}

func (l *Loop) doExec(ctx context.Context, action types.Action, result *types.ActionResult, verify bool) {
	command := action.Param("COMMAND")
	workdir := action.Param("WORKDIR")
	if workdir == "" {
		workdir = l.handle.Workspace
	}
	timeout := l.cfg.ExecTimeout
	if raw := action.Param("TIMEOUT"); raw != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	exec, err := l.deps.Sandbox.Exec(ctx, l.handle, command, workdir, timeout)
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.Success = exec.ExitCode == 0
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code: %d\n", exec.ExitCode)
	if exec.Stdout != "" {
		b.WriteString("stdout:\n" + exec.Stdout)
		if exec.StdoutTruncated {
			b.WriteString("\n…(stdout truncated)")
		}
		b.WriteString("\n")
	}
	if exec.Stderr != "" {
		b.WriteString("stderr:\n" + exec.Stderr)
		if exec.StderrTruncated {
			b.WriteString("\n…(stderr truncated)")
		}
		b.WriteString("\n")
	}
	result.Output = b.String()
	if !result.Success {
		result.Error = fmt.Sprintf("exit code %d", exec.ExitCode)
	}

	isTest := verify || looksLikeTest(command)
	if isTest {
		l.update(func(t *types.Task) { t.TestsCount++ })
		l.emit(types.EventTest, map[string]any{
			"command": command,
			"passed":  result.Success,
		})
	}
	if verify {
		if result.Success {
			l.update(func(t *types.Task) { t.VerificationsCount++ })
		}
		l.emit(types.EventVerification, map[string]any{
			"command":     command,
			"description": action.Param("DESCRIPTION"),
			"passed":      result.Success,
		})
	}
}

func looksLikeTest(command string) bool {
	lower := strings.ToLower(command)
	return strings.Contains(lower, "test") || strings.Contains(lower, "pytest") ||
		strings.Contains(lower, "check")
}

func (l *Loop) doUpdateTodo(ctx context.Context, action types.Action, result *types.ActionResult) {
	content := action.Param("CONTENT")
	target := path.Join(l.handle.Workspace, planner.TodoPath)
	if err := l.deps.Sandbox.WriteFile(ctx, l.handle, target, []byte(content)); err != nil {
		result.Error = err.Error()
		return
	}
	l.todo = content
	result.Success = true
	result.Output = "todo.md updated"
}

func (l *Loop) doBrowser(ctx context.Context, action types.Action, result *types.ActionResult) {
	if l.deps.Browser == nil {
		result.Error = "browser sub-agent not configured"
		return
	}
	var br browser.Result
	if task := action.Param("TASK"); task != "" {
		br = l.deps.Browser.RunTask(ctx, task)
	} else if tool := action.Param("TOOL"); tool != "" {
		br = l.deps.Browser.Do(ctx, browser.Action{
			Kind:     browser.ActionKind(strings.ToLower(tool)),
			URL:      action.Param("URL"),
			Selector: action.Param("SELECTOR"),
			Value:    action.Param("VALUE"),
		})
	} else {
		result.Error = "BROWSER requires TASK or TOOL"
		return
	}
	result.Success = br.Success
	result.Output = br.Output
	result.Error = br.Err
}

func (l *Loop) doSearch(ctx context.Context, action types.Action, result *types.ActionResult) {
	if l.deps.Knowledge == nil {
		result.Error = "knowledge sub-agent not configured"
		return
	}
	maxResults := 5
	if raw := action.Param("MAX_RESULTS"); raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			maxResults = n
		}
	}
	search := l.deps.Knowledge.Search(ctx, action.Param("QUERY"), maxResults)
	if !search.Success {
		result.Error = search.Err
		return
	}
	var b strings.Builder
	for i, hit := range search.Hits {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, hit.Title, hit.Snippet, hit.URL)
	}
	result.Success = true
	result.Output = b.String()
}

func (l *Loop) doDelegate(ctx context.Context, action types.Action, result *types.ActionResult) {
	if l.deps.Orchestrator == nil {
		result.Error = "orchestrator not configured"
		return
	}
	agentTag := action.Param("AGENT")
	subtask := action.Param("TASK")
	strict := strings.EqualFold(action.Param("STRICT"), "true")
	mode := strings.ToLower(action.Param("MODE"))

	var results []orchestrator.Result
	switch mode {
	case "consensus":
		consensus, err := l.deps.Orchestrator.Consensus(ctx, subtask, l.deps.Orchestrator.Agents(), 0)
		if err != nil {
			result.Error = err.Error()
			return
		}
		result.Success = consensus.Reached
		result.Output = fmt.Sprintf("agreement %.2f\n%s", consensus.Agreement, consensus.Output)
		if !consensus.Reached {
			result.Error = "consensus not reached"
		}
		return
	case "parallel":
		tasks := delegateTasks(agentTag, subtask)
		results = l.deps.Orchestrator.Parallel(ctx, tasks)
	default:
		tasks := delegateTasks(agentTag, subtask)
		results = l.deps.Orchestrator.Sequential(ctx, tasks, strict)
	}

	allOK := len(results) > 0
	var b strings.Builder
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status, allOK = "FAILED: "+r.Err, false
		}
		fmt.Fprintf(&b, "[%s] %s\n%s\n", r.Agent, status, r.Output)
	}
	result.Success = allOK
	result.Output = b.String()
	if !allOK {
		result.Error = "delegated task failed"
	}
}

// delegateTasks splits a semicolon-separated subtask list.
func delegateTasks(agentTag, subtask string) []orchestrator.Task {
	parts := strings.Split(subtask, ";")
	tasks := make([]orchestrator.Task, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tasks = append(tasks, orchestrator.Task{Agent: agentTag, Input: p})
	}
	return tasks
}

// KnowledgeAgent narrows the knowledge sub-agent to what dispatch needs.
type KnowledgeAgent interface {
	Search(ctx context.Context, query string, maxResults int) knowledge.SearchResult
}

// BrowserAgent narrows the browser sub-agent to what dispatch needs.
type BrowserAgent interface {
	RunTask(ctx context.Context, instruction string) browser.Result
	Do(ctx context.Context, action browser.Action) browser.Result
	Close()
}
