// Package agent implements the iterative execution loop: one conversation per
// task, one LLM call per iteration, parsed actions dispatched against the
// sandbox and sub-agents, and the outcome folded back into the learning
// stores.
//
// The conversation prefix is append-only. The system message is rendered once
// at task start and never changes; phase restrictions travel exclusively in
// the per-call logit-bias map so the provider's KV cache survives the whole
// task.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"argo/internal/events"
	"argo/internal/learning"
	"argo/internal/llm"
	"argo/internal/logging"
	"argo/internal/orchestrator"
	"argo/internal/parser"
	"argo/internal/planner"
	"argo/internal/sandbox"
	"argo/internal/tools"
	"argo/pkg/types"
)

// Failure reason kinds carried on task_failed events and loop outcomes.
const (
	ReasonIterationLimit = "iteration_limit"
	ReasonCancelled      = "cancelled"
	ReasonLLMFatal       = "llm_fatal"
	ReasonSandbox        = "sandbox_unavailable"
)

// Deps are the collaborators one loop instance drives. Sandbox, LLM,
// Registry, and Stream are required; the rest degrade to rejected or
// unconfigured actions when nil.
type Deps struct {
	Sandbox      sandbox.Client
	LLM          llm.Client
	Registry     *tools.Registry
	Planner      *planner.Planner
	Knowledge    KnowledgeAgent
	Browser      BrowserAgent
	Orchestrator *orchestrator.Orchestrator
	Stores       *learning.Stores
	Stream       *events.Stream
	Logger       logging.Logger
}

// Config is the loop's tuning surface.
type Config struct {
	MaxIterations  int
	ExecTimeout    time.Duration
	MaxTokens      int
	PlannerEnabled bool
	// Temperature maps a phase to its sampling temperature. Nil means 0.7
	// everywhere.
	Temperature func(types.Phase) float64
}

// Outcome is the terminal result of one loop run.
type Outcome struct {
	Status       types.TaskStatus
	FinalMessage string
	// ReasonKind classifies failures; empty on success.
	ReasonKind string
	Err        error
}

// rejection is one action the model emitted that will not run, with the
// feedback it gets about why.
type rejection struct {
	Reason string
	Detail string
}

// iterationState is the feedback carried from one iteration into the next
// user turn.
type iterationState struct {
	lastResults []types.ActionResult
	lastRejects []rejection
	phase       types.Phase
	todoExcerpt string
	nudge       bool
}

// Loop owns one task's execution from sandbox create to learning export.
type Loop struct {
	deps   Deps
	cfg    Config
	task   *types.Task
	mutate func(fn func(*types.Task))
	logger logging.Logger

	handle *sandbox.Handle
	phase  types.Phase
	system string
	// conv holds the task turn plus alternating user/assistant turns. The
	// system message is kept separate so compression never touches it.
	conv []types.Turn
	todo string

	// dirty tracks workspace mutations not yet covered by a passing check.
	dirty bool
	// compressed latches the one-shot overflow recovery.
	compressed bool

	// ordered across all iterations, recorded on the final interaction.
	actions []types.Action
	results []types.ActionResult

	chosen learning.Characterization
	start  time.Time
}

// NewLoop builds a loop for one task. mutate serializes task mutations with
// whoever else reads the task (the session manager holds the lock).
func NewLoop(deps Deps, cfg Config, task *types.Task, mutate func(fn func(*types.Task))) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 300 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Temperature == nil {
		cfg.Temperature = func(types.Phase) float64 { return 0.7 }
	}
	if mutate == nil {
		mutate = func(fn func(*types.Task)) { fn(task) }
	}
	return &Loop{
		deps:   deps,
		cfg:    cfg,
		task:   task,
		mutate: mutate,
		logger: logging.OrNop(deps.Logger),
		phase:  types.PhaseIdle,
	}
}

func (l *Loop) update(fn func(*types.Task)) {
	l.mutate(func(t *types.Task) {
		fn(t)
		t.UpdatedAt = time.Now()
	})
}

func (l *Loop) emit(kind types.EventKind, payload map[string]any) {
	if l.deps.Stream != nil {
		l.deps.Stream.Append(kind, payload)
	}
}

// setPhase records a phase transition and mirrors it onto the task status.
func (l *Loop) setPhase(to types.Phase) {
	if l.phase == to {
		return
	}
	from := l.phase
	l.phase = to
	l.update(func(t *types.Task) {
		switch to {
		case types.PhasePlanning:
			t.Status = types.StatusPlanning
		case types.PhaseExecuting:
			t.Status = types.StatusExecuting
		case types.PhaseVerifying:
			t.Status = types.StatusVerifying
		case types.PhaseLearning:
			t.Status = types.StatusLearning
		}
	})
	l.emit(types.EventPhaseChanged, map[string]any{"from": from, "to": to})
}

func (l *Loop) temperature() float64 {
	return l.cfg.Temperature(l.phase)
}

// Run executes the task to a terminal state. The returned outcome is also
// reflected on the task and the event stream. ctx cancellation produces a
// cancelled outcome, never a panic or a leak.
func (l *Loop) Run(ctx context.Context) Outcome {
	l.start = time.Now()
	outcome := l.run(ctx)
	l.finalize(ctx, &outcome)
	return outcome
}

func (l *Loop) run(ctx context.Context) Outcome {
	l.setPhase(types.PhasePlanning)

	handle, err := l.deps.Sandbox.Create(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: types.StatusCancelled, ReasonKind: ReasonCancelled, Err: ctx.Err()}
		}
		return Outcome{
			Status:     types.StatusFailed,
			ReasonKind: ReasonSandbox,
			Err:        fmt.Errorf("%w: %v", sandbox.ErrUnavailable, err),
		}
	}
	l.handle = handle

	l.initConversation(ctx)

	st := &iterationState{phase: l.phase}
	if err := l.plan(ctx, st); err != nil {
		// Planning is best effort; a failed call degrades to the generic todo
		// seed, except when the failure is fatal to every later call too.
		if fatal := asFatalLLM(err); fatal != nil {
			return Outcome{Status: types.StatusFailed, ReasonKind: ReasonLLMFatal, Err: fatal}
		}
		l.logger.Warn("planning degraded: %v", err)
	}

	l.setPhase(types.PhaseExecuting)

	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return Outcome{Status: types.StatusCancelled, ReasonKind: ReasonCancelled, Err: ctx.Err()}
		}
		l.update(func(t *types.Task) { t.IterationsUsed = iter })
		l.emit(types.EventIterationStarted, map[string]any{"iteration": iter, "phase": l.phase})

		outcome, done := l.iterate(ctx, iter, st)
		if done {
			return outcome
		}
	}

	return Outcome{
		Status:       types.StatusFailed,
		ReasonKind:   ReasonIterationLimit,
		FinalMessage: fmt.Sprintf("iteration limit of %d reached", l.cfg.MaxIterations),
		Err:          fmt.Errorf("iteration limit of %d reached", l.cfg.MaxIterations),
	}
}

// initConversation snapshots prior experience and renders the stable system
// message plus the opening task turn. Nothing appended later ever changes
// these bytes.
func (l *Loop) initConversation(ctx context.Context) {
	var learnings []learning.Learning
	var knowledge []learning.Item
	if l.deps.Stores != nil {
		learnings = l.deps.Stores.Interactions.Relevant(l.task.Description, 5)
		knowledge = l.deps.Stores.Hub.Query(ctx, l.task.Description, 3)
		l.chosen = l.deps.Stores.Strategy.SelectStrategy(l.task.Description)
	}
	l.system = systemPrompt(l.deps.Registry.SystemPromptSection(), learnings, knowledge)
	l.conv = []types.Turn{{
		Role:    types.RoleUser,
		Content: "Task: " + l.task.Description,
	}}
}

// plan runs the one-shot planning call and seeds todo.md in the workspace.
// ACTION blocks in the planner's response are validated against the planning
// phase: forbidden ones are rejected on the stream and surfaced to the model
// in the first iteration's user turn, never dispatched.
func (l *Loop) plan(ctx context.Context, st *iterationState) error {
	var plan *types.Plan
	var raw string
	var planErr error
	if l.cfg.PlannerEnabled && l.deps.Planner != nil {
		plan, raw, planErr = l.deps.Planner.Plan(ctx, l.system, l.task.Description, l.temperature())
	} else {
		plan = &types.Plan{}
	}

	for _, action := range parser.Parse(raw).Actions {
		if err := l.deps.Registry.Validate(action, l.phase); err != nil {
			l.reject(st, tools.Reason(err), err.Error())
		}
	}

	l.todo = planner.RenderTodo(l.task.Description, plan)
	target := l.handle.Workspace + "/" + planner.TodoPath
	if err := l.deps.Sandbox.WriteFile(ctx, l.handle, target, []byte(l.todo)); err != nil {
		l.logger.Warn("todo seed write failed: %v", err)
	}
	l.emit(types.EventPlanCreated, map[string]any{
		"goal":  plan.Goal,
		"steps": len(plan.OrderedSteps),
		"empty": plan.Empty(),
	})
	return planErr
}

// iterate runs one LLM call and dispatches its actions. done=true carries the
// terminal outcome.
func (l *Loop) iterate(ctx context.Context, iter int, st *iterationState) (Outcome, bool) {
	st.phase = l.phase
	st.todoExcerpt = clipText(l.todo, 1500)
	if iter > 1 || len(st.lastResults) > 0 || len(st.lastRejects) > 0 {
		l.conv = append(l.conv, types.Turn{Role: types.RoleUser, Content: iterationTurn(st)})
	}

	resp, err := l.complete(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: types.StatusCancelled, ReasonKind: ReasonCancelled, Err: ctx.Err()}, true
		}
		return Outcome{Status: types.StatusFailed, ReasonKind: ReasonLLMFatal, Err: err}, true
	}
	l.conv = append(l.conv, types.Turn{Role: types.RoleAssistant, Content: resp.Content})

	parsed := parser.Parse(resp.Content)

	// Rejections: parse-level first, then catalog/phase validation.
	st.lastRejects = st.lastRejects[:0]
	for _, rej := range parsed.Rejects {
		l.reject(st, rej.Reason, rejectDetail(rej))
	}
	var runnable []types.Action
	for _, action := range parsed.Actions {
		if err := l.deps.Registry.Validate(action, l.phase); err != nil {
			l.reject(st, tools.Reason(err), err.Error())
			continue
		}
		runnable = append(runnable, action)
		l.emit(types.EventActionParsed, map[string]any{
			"tool":  action.Tool,
			"index": action.Index,
		})
	}

	st.lastResults = st.lastResults[:0]
	anyFailed := false
	productive := false
	verifiedNow := false
	for _, action := range runnable {
		if ctx.Err() != nil {
			return Outcome{Status: types.StatusCancelled, ReasonKind: ReasonCancelled, Err: ctx.Err()}, true
		}
		result := l.dispatch(ctx, action)
		st.lastResults = append(st.lastResults, result)
		l.actions = append(l.actions, action)
		l.results = append(l.results, result)
		l.emit(types.EventActionResult, map[string]any{
			"tool":        action.Tool,
			"index":       action.Index,
			"success":     result.Success,
			"duration_ms": result.Duration.Milliseconds(),
			"error":       result.Error,
		})
		if result.Success {
			switch action.Tool {
			case tools.ToolCreateFile:
				productive = true
			case tools.ToolExecute:
				// While VERIFYING, a passing EXECUTE is the check itself,
				// not new work needing another check.
				if l.phase == types.PhaseVerifying {
					verifiedNow = true
				} else {
					productive = true
				}
			case tools.ToolVerify:
				verifiedNow = true
			}
			continue
		}
		anyFailed = true
		l.recordError(ctx, action.Tool, result.Error)
	}

	if productive {
		l.dirty = true
	}
	if verifiedNow && !productive {
		l.dirty = false
	}

	st.nudge = len(runnable) == 0 && parsed.Terminal == nil && len(parsed.Rejects) == 0 && len(parsed.Actions) == 0

	if parsed.Terminal != nil {
		if accepted, reason := l.acceptTerminal(anyFailed); accepted {
			return Outcome{
				Status:       types.StatusCompleted,
				FinalMessage: parsed.Terminal.Message,
			}, true
		} else {
			l.reject(st, "completion_suppressed", reason)
		}
	}

	// Productive work in EXECUTING flips the loop into VERIFYING so the next
	// call is steered toward checks; a failure in VERIFYING flips back so the
	// model can fix what the check caught.
	switch {
	case l.phase == types.PhaseExecuting && l.dirty && !anyFailed && productive:
		l.setPhase(types.PhaseVerifying)
	case l.phase == types.PhaseVerifying && anyFailed:
		l.setPhase(types.PhaseExecuting)
	case l.phase == types.PhaseVerifying && !l.dirty:
		l.setPhase(types.PhaseExecuting)
	}

	return Outcome{}, false
}

// acceptTerminal decides whether a TASK_COMPLETED claim stands. Unverified
// workspace mutations and same-iteration failures both suppress it.
func (l *Loop) acceptTerminal(anyFailed bool) (bool, string) {
	if anyFailed {
		return false, "an action in this iteration failed; fix it and verify before completing"
	}
	if l.dirty {
		l.setPhase(types.PhaseVerifying)
		return false, "changes are unverified; run a check with VERIFY first"
	}
	return true, ""
}

// complete issues the LLM call with the phase bias and the task cache key.
// A context-overflow response triggers one compression pass and one retry.
func (l *Loop) complete(ctx context.Context) (*llm.Response, error) {
	req := llm.Request{
		Messages:    append([]types.Turn{{Role: types.RoleSystem, Content: l.system}}, l.conv...),
		Temperature: l.temperature(),
		MaxTokens:   l.cfg.MaxTokens,
		LogitBias:   l.deps.Registry.BiasFor(l.phase),
		CacheKey:    l.task.ID,
	}
	l.emit(types.EventLLMRequest, map[string]any{
		"phase":        l.phase,
		"messages":     len(req.Messages),
		"bias_entries": len(req.LogitBias),
	})

	resp, err := l.deps.LLM.Complete(ctx, req)
	if errors.Is(err, llm.ErrContextOverflow) && !l.compressed {
		l.compressed = true
		l.logger.Info("context overflow, compressing conversation (%d turns)", len(l.conv))
		l.conv = compressConversation(l.conv)
		req.Messages = append([]types.Turn{{Role: types.RoleSystem, Content: l.system}}, l.conv...)
		resp, err = l.deps.LLM.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	l.emit(types.EventLLMResponse, map[string]any{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	return resp, nil
}

func (l *Loop) reject(st *iterationState, reason, detail string) {
	st.lastRejects = append(st.lastRejects, rejection{Reason: reason, Detail: detail})
	l.emit(types.EventActionRejected, map[string]any{"reason": reason, "detail": detail})
}

func (l *Loop) recordError(ctx context.Context, tool, message string) {
	l.update(func(t *types.Task) { t.ErrorsCount++ })
	payload := map[string]any{"tool": tool, "message": clipText(message, 500)}
	if l.deps.Stores != nil {
		if pattern := l.deps.Stores.Errors.Record(ctx, l.task.ID, tool, message); pattern != nil {
			payload["pattern_id"] = pattern.ID
			payload["category"] = pattern.Category
		}
	}
	l.emit(types.EventErrorRecorded, payload)
}

// finalize runs the learning tail and tears the sandbox down. It always runs
// exactly once per task, on every exit path.
func (l *Loop) finalize(ctx context.Context, outcome *Outcome) {
	cancelled := outcome.Status == types.StatusCancelled

	if !cancelled {
		l.setPhase(types.PhaseLearning)
		l.reflect(ctx, outcome)
	}
	l.recordOutcome(outcome, cancelled)

	l.update(func(t *types.Task) { t.Status = outcome.Status })
	switch outcome.Status {
	case types.StatusCompleted:
		l.emit(types.EventTaskCompleted, map[string]any{
			"message":    outcome.FinalMessage,
			"iterations": l.task.IterationsUsed,
		})
	case types.StatusCancelled:
		l.emit(types.EventTaskCancelled, nil)
	default:
		payload := map[string]any{
			"reason_kind":   outcome.ReasonKind,
			"human_message": humanMessage(outcome),
		}
		if n := len(l.actions); n > 0 {
			payload["last_action"] = l.actions[n-1].Tool
		}
		l.emit(types.EventTaskFailed, payload)
	}

	if l.deps.Stores != nil {
		if err := l.deps.Stores.Export(); err != nil {
			l.logger.Warn("learning export failed: %v", err)
		}
	}

	if l.handle != nil {
		// The run context may already be cancelled; teardown gets its own
		// short budget.
		destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.deps.Sandbox.Destroy(destroyCtx, l.handle); err != nil {
			l.logger.Warn("sandbox destroy failed: %v", err)
		}
		l.handle = nil
	}

	if l.deps.Stream != nil {
		l.deps.Stream.Close()
	}
}

// reflect asks the model for one transferable lesson, records it as a
// task-strategy learning, and shares it into the knowledge hub. Best effort.
func (l *Loop) reflect(ctx context.Context, outcome *Outcome) {
	if l.deps.LLM == nil || l.deps.Stores == nil || ctx.Err() != nil {
		return
	}
	status := "succeeded"
	if outcome.Status != types.StatusCompleted {
		status = "failed (" + outcome.ReasonKind + ")"
	}
	resp, err := l.deps.LLM.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: "You review completed agent tasks. Respond with one sentence: the single most transferable lesson from this task, phrased as advice for similar future tasks."},
			{Role: types.RoleUser, Content: fmt.Sprintf("Task: %s\nOutcome: %s after %d iterations, %d errors.",
				l.task.Description, status, l.task.IterationsUsed, l.task.ErrorsCount)},
		},
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil || resp.Content == "" {
		return
	}
	lesson := clipText(resp.Content, 400)
	recorded := l.deps.Stores.Interactions.AddLearning(learning.Learning{
		Kind:        learning.LearnTaskStrategy,
		Description: lesson,
		Evidence:    []string{l.task.ID},
	})
	l.emit(types.EventReflection, map[string]any{"lesson": lesson})
	l.emit(types.EventLearningRecorded, map[string]any{
		"learning_id": recorded.ID,
		"kind":        recorded.Kind,
	})

	item := l.deps.Stores.Hub.Share(ctx, "task_lesson", clipText(l.task.Description, 80),
		lesson, learning.PriorityMedium, nil)
	l.emit(types.EventKnowledgeShared, map[string]any{
		"item_id": item.ID,
		"title":   item.Title,
	})
}

// recordOutcome feeds the interaction log, the strategy store, and the
// performance optimizer. Cancelled tasks record nothing: a cancelled run says
// nothing about the strategy.
func (l *Loop) recordOutcome(outcome *Outcome, cancelled bool) {
	if l.deps.Stores == nil || cancelled {
		return
	}
	success := outcome.Status == types.StatusCompleted
	duration := time.Since(l.start)
	l.deps.Stores.Interactions.Record(learning.Interaction{
		Agent:      "main",
		Task:       l.task.Description,
		Actions:    l.actions,
		Results:    l.results,
		Success:    success,
		Duration:   duration,
		Iterations: l.task.IterationsUsed,
		ErrorCount: l.task.ErrorsCount,
	})
	l.deps.Stores.Strategy.RecordOutcome(l.task.Description, l.chosen.Strategy, l.chosen.SuggestedAgents, success, duration)
	l.deps.Stores.Performance.Observe("main", string(l.chosen.Complexity), duration, l.task.IterationsUsed, success, l.task.ErrorsCount)
}

// asFatalLLM extracts a non-degradable LLM failure from a planning error.
// Rate limits and transients were already retried inside the client.
func asFatalLLM(err error) error {
	if errors.Is(err, llm.ErrProvider) || errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrTransient) {
		return err
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// humanMessage picks the most readable description of a failure.
func humanMessage(outcome *Outcome) string {
	if outcome.FinalMessage != "" {
		return outcome.FinalMessage
	}
	return errString(outcome.Err)
}
