// Package types holds the domain types shared across the execution core:
// tasks, phases, actions, conversation turns, events, and plans.
package types

import (
	"encoding/json"
	"time"
)

// Phase is the agent's current execution mode. A live task has exactly one
// phase at any instant; the phase gates which tools the model may emit.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhasePlanning  Phase = "PLANNING"
	PhaseExecuting Phase = "EXECUTING"
	PhaseVerifying Phase = "VERIFYING"
	PhaseBrowsing  Phase = "BROWSING"
	PhaseLearning  Phase = "LEARNING"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusPlanning  TaskStatus = "planning"
	StatusExecuting TaskStatus = "executing"
	StatusVerifying TaskStatus = "verifying"
	StatusLearning  TaskStatus = "learning"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal one.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one execution instance. It is created by the session manager and
// mutated only by the loop that owns it.
type Task struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	Status             TaskStatus `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	IterationsUsed     int        `json:"iterations_used"`
	VerificationsCount int        `json:"verifications_count"`
	TestsCount         int        `json:"tests_count"`
	ErrorsCount        int        `json:"errors_count"`
}

// Action is one parsed tool invocation. Immutable once parsed.
type Action struct {
	Tool   string            `json:"tool"`
	Params map[string]string `json:"params"`
	// Raw is the text span the action was parsed from.
	Raw string `json:"-"`
	// Index is the sequence position within the iteration.
	Index int `json:"index"`
}

// Param returns the named parameter or the empty string.
func (a Action) Param(name string) string {
	if a.Params == nil {
		return ""
	}
	return a.Params[name]
}

// ActionResult is the outcome of dispatching one action.
type ActionResult struct {
	Action   Action        `json:"action"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// Turn is one role-tagged conversation message. Once appended to a task's
// conversation its content is never modified; prefix-stable byte content is
// what keeps the provider's KV cache warm.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// EventKind enumerates every record kind a task stream may carry.
type EventKind string

const (
	EventPhaseChanged     EventKind = "phase_changed"
	EventPlanCreated      EventKind = "plan_created"
	EventIterationStarted EventKind = "iteration_started"
	EventLLMRequest       EventKind = "llm_request"
	EventLLMResponse      EventKind = "llm_response"
	EventActionParsed     EventKind = "action_parsed"
	EventActionRejected   EventKind = "action_rejected"
	EventActionResult     EventKind = "action_result"
	EventVerification     EventKind = "verification"
	EventTest             EventKind = "test"
	EventErrorRecorded    EventKind = "error_recorded"
	EventLearningRecorded EventKind = "learning_recorded"
	EventKnowledgeShared  EventKind = "knowledge_shared"
	EventReflection       EventKind = "reflection"
	EventTaskCompleted    EventKind = "task_completed"
	EventTaskFailed       EventKind = "task_failed"
	EventTaskCancelled    EventKind = "task_cancelled"
	EventSubscriberLagged EventKind = "subscriber_lagged"
)

// Event is one record in a task's append-only stream. Seq is assigned by the
// stream and is strictly monotonic per task.
type Event struct {
	Kind    EventKind      `json:"type"`
	TaskID  string         `json:"task_id"`
	Seq     int64          `json:"seq"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON flattens the payload into the top-level object so clients see
// `{type, task_id, seq, ts, ...payload}`.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["type"] = e.Kind
	flat["task_id"] = e.TaskID
	flat["seq"] = e.Seq
	flat["ts"] = e.TS.Format(time.RFC3339Nano)
	return json.Marshal(flat)
}

// Plan is the planner's structured output. Missing fields default to empty.
type Plan struct {
	Goal              string   `json:"goal"`
	SuccessCriteria   []string `json:"success_criteria"`
	OrderedSteps      []string `json:"ordered_steps"`
	IdentifiedRisks   []string `json:"identified_risks"`
	RequiredResources []string `json:"required_resources"`
}

// Empty reports whether the plan carries no content at all.
func (p Plan) Empty() bool {
	return p.Goal == "" && len(p.SuccessCriteria) == 0 && len(p.OrderedSteps) == 0 &&
		len(p.IdentifiedRisks) == 0 && len(p.RequiredResources) == 0
}
