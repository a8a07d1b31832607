package agent

import (
	"fmt"
	"strings"

	"argo/internal/learning"
	"argo/internal/parser"
	"argo/internal/token"
	"argo/pkg/types"
)

// corePrompt is the fixed head of the system message. It is concatenated
// with the tool catalog once at task start and never changes afterwards;
// phase restrictions ride on the logit-bias map instead so the provider's
// KV cache stays valid call over call.
const corePrompt = `You are an autonomous software engineering agent working in a remote sandbox.

You act by emitting ACTION blocks and observing their results. Work
step by step: inspect before you change, run what you write, and keep
todo.md current. When every goal is met, emit TASK_COMPLETED with a short
final message.

Rules:
- Only the tools listed below exist. Parameters are plain text.
- One or more ACTION blocks per response; they run in order.
- Results, rejections, and phase reminders arrive in the next user message.
- Never fabricate tool results.

`

// systemPrompt renders the stable system message: core + tool catalog +
// the learnings snapshot gathered at task start.
func systemPrompt(toolSection string, learnings []learning.Learning, knowledge []learning.Item) string {
	var b strings.Builder
	b.WriteString(corePrompt)
	b.WriteString(toolSection)
	if len(learnings) > 0 || len(knowledge) > 0 {
		b.WriteString("\n## Prior experience\n")
		for _, l := range learnings {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", l.Kind, l.Confidence, l.Description)
		}
		for _, item := range knowledge {
			fmt.Fprintf(&b, "- [knowledge/%s] %s: %s\n", item.State, item.Title, clipText(item.Content, 200))
		}
	}
	return b.String()
}

// iterationTurn builds the user turn opening an iteration: structured prior
// results, rejections with reasons, the current phase and todo excerpt, and
// a nudge when the prior response carried no valid action.
func iterationTurn(st *iterationState) string {
	var b strings.Builder

	if len(st.lastResults) > 0 {
		b.WriteString("## Action results\n")
		for _, r := range st.lastResults {
			status := "ok"
			if !r.Success {
				status = "FAILED"
			}
			fmt.Fprintf(&b, "[%d] %s %s\n", r.Action.Index, r.Action.Tool, status)
			if r.Output != "" {
				b.WriteString(indent(clipText(r.Output, 4000)) + "\n")
			}
			if r.Error != "" {
				b.WriteString(indent("error: "+clipText(r.Error, 2000)) + "\n")
			}
		}
		b.WriteString("\n")
	}

	if len(st.lastRejects) > 0 {
		b.WriteString("## Rejected actions\n")
		for _, rej := range st.lastRejects {
			fmt.Fprintf(&b, "- %s: %s\n", rej.Reason, rej.Detail)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Current phase: %s.\n", st.phase)
	if st.phase == types.PhaseVerifying {
		b.WriteString("Verify the work now: run a check with VERIFY (or EXECUTE a test command).\n")
	}
	if st.todoExcerpt != "" {
		b.WriteString("\n## todo.md\n" + st.todoExcerpt + "\n")
	}
	if st.nudge {
		b.WriteString("\nYour previous response contained no valid action. Emit an ACTION block using the documented format.\n")
	}
	return b.String()
}

// rejectDetail formats a rejection for the model.
func rejectDetail(rej parser.Reject) string {
	if rej.Detail != "" {
		return rej.Detail
	}
	return clipText(rej.Raw, 200)
}

// compression parameters.
const (
	// keepRawTurns is how many of the newest turns survive a compression
	// pass untouched.
	keepRawTurns = 10
)

// compressConversation replaces the span of older turns (everything after
// the initial task turn and before the last keepRawTurns) with one
// synthesized summary turn. The initial task turn always survives.
func compressConversation(conv []types.Turn) []types.Turn {
	if len(conv) <= keepRawTurns+1 {
		return conv
	}
	head := conv[:1]
	middle := conv[1 : len(conv)-keepRawTurns]
	tail := conv[len(conv)-keepRawTurns:]

	var summary strings.Builder
	summary.WriteString("[Conversation compressed. Summary of earlier iterations:]\n")
	for _, turn := range middle {
		if turn.Role != types.RoleAssistant {
			continue
		}
		for _, line := range strings.Split(turn.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "ACTION:") {
				summary.WriteString("- " + trimmed + "\n")
			}
		}
	}
	summary.WriteString(fmt.Sprintf("[%d turns elided, ~%d tokens]\n",
		len(middle), turnTokens(middle)))

	out := make([]types.Turn, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, types.Turn{Role: types.RoleUser, Content: summary.String()})
	out = append(out, tail...)
	return out
}

func turnTokens(turns []types.Turn) int {
	total := 0
	for _, t := range turns {
		total += token.EstimateFast(t.Content)
	}
	return total
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n…(truncated)"
}
