// Package parser turns assistant text into typed actions.
//
// The grammar is line-oriented and delimiter-based:
//
//	ACTION: <TOOL_ID>
//	<KEY>: <value-first-line>
//	<continuation-lines>
//	---END---
//
// Text outside blocks is ignored, except for the TASK_COMPLETED sentinel.
// Malformed blocks are rejected individually; later valid blocks still parse.
package parser

import (
	"regexp"
	"sort"
	"strings"

	"argo/pkg/types"
)

const (
	actionPrefix   = "ACTION:"
	blockEnd       = "---END---"
	completedToken = "TASK_COMPLETED"
)

// keyLine matches a parameter key at the start of a line inside a block.
var keyLine = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):\s?(.*)$`)

// Reject describes one malformed block.
type Reject struct {
	Raw    string
	Reason string
	Detail string
}

// Terminal is the parsed termination sentinel.
type Terminal struct {
	// Message is the prose following the sentinel, used as the task's final
	// message.
	Message string
}

// Result is the full parse outcome for one assistant response.
type Result struct {
	Actions  []types.Action
	Rejects  []Reject
	Terminal *Terminal
}

// Parse extracts the ordered action list, per-block rejections, and the
// optional terminal sentinel from an assistant response.
func Parse(text string) Result {
	var res Result
	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, actionPrefix) {
			block, next, ok := collectBlock(lines, i)
			if !ok {
				res.Rejects = append(res.Rejects, Reject{
					Raw:    strings.Join(lines[i:next], "\n"),
					Reason: "parse_error",
					Detail: "action block has no ---END--- terminator",
				})
				i = next
				continue
			}
			action, reject := parseBlock(block)
			if reject != nil {
				res.Rejects = append(res.Rejects, *reject)
			} else if action.Tool == completedToken {
				res.Terminal = &Terminal{Message: action.Param("MESSAGE")}
			} else {
				action.Index = len(res.Actions)
				res.Actions = append(res.Actions, action)
			}
			i = next
			continue
		}
		// The sentinel may also appear in prose as "TASK_COMPLETED: …".
		if res.Terminal == nil {
			if msg, ok := proseSentinel(line); ok {
				res.Terminal = &Terminal{Message: msg}
			}
		}
		i++
	}
	return res
}

// collectBlock gathers lines from the ACTION line to the terminator. Returns
// ok=false when the block never terminates; next is then the index where
// scanning should resume (the next ACTION line or end of input).
func collectBlock(lines []string, start int) (block []string, next int, ok bool) {
	for j := start; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == blockEnd {
			return lines[start:j], j + 1, true
		}
		if j > start && strings.HasPrefix(trimmed, actionPrefix) {
			// A new block opened before the old one closed.
			return nil, j, false
		}
	}
	return nil, len(lines), false
}

func parseBlock(block []string) (types.Action, *Reject) {
	raw := strings.Join(block, "\n")
	header := strings.TrimSpace(block[0])
	tool := strings.TrimSpace(strings.TrimPrefix(header, actionPrefix))
	if tool == "" {
		return types.Action{}, &Reject{Raw: raw, Reason: "parse_error", Detail: "empty tool identifier"}
	}

	params := make(map[string]string)
	var currentKey string
	var currentVal []string
	flush := func() {
		if currentKey != "" {
			params[currentKey] = strings.Join(currentVal, "\n")
		}
		currentKey, currentVal = "", nil
	}
	for _, line := range block[1:] {
		if m := keyLine.FindStringSubmatch(line); m != nil {
			flush()
			currentKey = m[1]
			currentVal = []string{m[2]}
			continue
		}
		if currentKey == "" {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return types.Action{}, &Reject{Raw: raw, Reason: "parse_error",
				Detail: "content before first KEY: line"}
		}
		// Continuation line; CONTENT and CODE may hold arbitrary text
		// including blanks.
		currentVal = append(currentVal, line)
	}
	flush()

	// Trailing blank lines in a value come from generous model formatting,
	// not from intent.
	for k, v := range params {
		params[k] = strings.TrimRight(v, "\n")
	}
	return types.Action{Tool: tool, Params: params, Raw: raw}, nil
}

// proseSentinel recognizes "TASK_COMPLETED: …" anywhere in a prose line, or
// the bare token as the whole line.
func proseSentinel(line string) (string, bool) {
	if line == completedToken {
		return "", true
	}
	if idx := strings.Index(line, completedToken+":"); idx >= 0 {
		return strings.TrimSpace(line[idx+len(completedToken)+1:]), true
	}
	return "", false
}

// Render serializes an action back to the documented grammar. Parsing the
// rendered form yields an equivalent action (parameter order is normalized).
func Render(action types.Action) string {
	var b strings.Builder
	b.WriteString(actionPrefix + " " + action.Tool + "\n")
	keys := make([]string, 0, len(action.Params))
	for k := range action.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + action.Params[k] + "\n")
	}
	b.WriteString(blockEnd)
	return b.String()
}
