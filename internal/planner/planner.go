// Package planner produces the one-shot structured plan and the todo.md seed
// a task starts from. Parsing is best effort: missing plan fields default to
// empty and a failed call degrades to a generic seed, never to a task
// failure.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"argo/internal/llm"
	"argo/internal/logging"
	"argo/pkg/types"
)

// TodoPath is the well-known todo document path, relative to the workspace.
const TodoPath = "todo.md"

// status glyphs used in todo.md.
const (
	GlyphPending = "⬜"
	GlyphDone    = "✅"
)

// Planner issues the planning call.
type Planner struct {
	llm    llm.Client
	logger logging.Logger
}

// New builds a planner.
func New(client llm.Client, logger logging.Logger) *Planner {
	return &Planner{llm: client, logger: logging.OrNop(logger)}
}

const planInstruction = `Produce a plan for the task as JSON with exactly these fields:
{"goal": string, "success_criteria": [string], "ordered_steps": [string], "identified_risks": [string], "required_resources": [string]}
Respond with the JSON object only.`

// Plan runs the planning call with the same stable system prompt the loop
// uses and parses the structured plan. The raw response is returned alongside
// so the caller can police stray ACTION blocks against the planning phase.
// The returned plan is never nil; on failure it is empty and err describes
// the cause.
func (p *Planner) Plan(ctx context.Context, systemPrompt, description string, temperature float64) (*types.Plan, string, error) {
	resp, err := p.llm.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: systemPrompt},
			{Role: types.RoleUser, Content: "Task: " + description + "\n\n" + planInstruction},
		},
		Temperature: temperature,
		MaxTokens:   1200,
	})
	if err != nil {
		return &types.Plan{}, "", fmt.Errorf("planning call: %w", err)
	}
	plan := parsePlan(resp.Content)
	if plan.Empty() {
		p.logger.Warn("planner produced no parseable plan, continuing with empty plan")
	}
	return plan, resp.Content, nil
}

// parsePlan extracts the plan JSON, repairing malformed output first.
func parsePlan(text string) *types.Plan {
	candidate := extractJSONObject(text)
	if candidate == "" {
		return &types.Plan{}
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		repaired = candidate
	}
	var plan types.Plan
	if err := json.Unmarshal([]byte(repaired), &plan); err != nil {
		return &types.Plan{}
	}
	return &plan
}

// extractJSONObject returns the first top-level {...} span in text.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// RenderTodo turns a plan into the todo.md seed, each step prefixed with the
// pending glyph. An empty plan yields a generic seed.
func RenderTodo(description string, plan *types.Plan) string {
	var b strings.Builder
	b.WriteString("# Todo\n\n")
	if plan != nil && plan.Goal != "" {
		b.WriteString("Goal: " + plan.Goal + "\n\n")
	} else {
		b.WriteString("Goal: " + description + "\n\n")
	}
	steps := []string{"Complete the task"}
	if plan != nil && len(plan.OrderedSteps) > 0 {
		steps = plan.OrderedSteps
	}
	for _, step := range steps {
		b.WriteString(GlyphPending + " " + step + "\n")
	}
	if plan != nil && len(plan.SuccessCriteria) > 0 {
		b.WriteString("\n## Success criteria\n")
		for _, c := range plan.SuccessCriteria {
			b.WriteString("- " + c + "\n")
		}
	}
	return b.String()
}
