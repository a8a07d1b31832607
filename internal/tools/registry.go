// Package tools holds the static tool catalog, the per-phase availability
// mask, and the action validator.
//
// The catalog text in the system prompt never changes for the lifetime of a
// task; phase restrictions are enforced exclusively through the logit-bias
// map, which keeps the prompt prefix byte-identical across calls and the
// provider's KV cache warm.
package tools

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"argo/internal/token"
	"argo/pkg/types"
)

// Tool identifiers.
const (
	ToolCreateFile    = "CREATE_FILE"
	ToolReadFile      = "READ_FILE"
	ToolExecute       = "EXECUTE"
	ToolListFiles     = "LIST_FILES"
	ToolUpdateTodo    = "UPDATE_TODO"
	ToolVerify        = "VERIFY"
	ToolBrowser       = "BROWSER"
	ToolSearchWeb     = "SEARCH_WEB"
	ToolThink         = "THINK"
	ToolDelegate      = "DELEGATE"
	ToolTaskCompleted = "TASK_COMPLETED"
)

// Validation errors surfaced to the model as action_rejected reasons.
var (
	ErrInvalidTool       = errors.New("invalid_tool")
	ErrNotAllowedInPhase = errors.New("not_allowed_in_phase")
	ErrMissingParam      = errors.New("missing_param")
	ErrUnknownParam      = errors.New("unknown_param")
)

// Param describes one named string parameter.
type Param struct {
	Name        string
	Required    bool
	Description string
}

// Spec describes one tool: identifier, parameters, doc text, and the phases
// in which the tool is valid.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	Phases      []types.Phase
}

func (s Spec) allowedIn(phase types.Phase) bool {
	for _, p := range s.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Catalog returns the canonical tool set. The availability matrix is fixed;
// changing it changes the behavior contract of every phase.
func Catalog() []Spec {
	all := []types.Phase{types.PhasePlanning, types.PhaseExecuting, types.PhaseVerifying, types.PhaseLearning}
	return []Spec{
		{
			Name:        ToolCreateFile,
			Description: "Create or overwrite a file in the workspace.",
			Params: []Param{
				{Name: "PATH", Required: true, Description: "Workspace-relative or absolute path under the workspace root"},
				{Name: "CONTENT", Required: true, Description: "Full file content"},
			},
			Phases: []types.Phase{types.PhaseExecuting},
		},
		{
			Name:        ToolReadFile,
			Description: "Read a file from the workspace.",
			Params: []Param{
				{Name: "PATH", Required: true, Description: "Path of the file to read"},
			},
			Phases: all,
		},
		{
			Name:        ToolExecute,
			Description: "Run a shell command in the sandbox and capture exit code and output.",
			Params: []Param{
				{Name: "COMMAND", Required: true, Description: "Shell command line"},
				{Name: "WORKDIR", Description: "Working directory; defaults to the workspace root"},
				{Name: "TIMEOUT", Description: "Timeout in seconds; default 300"},
			},
			Phases: []types.Phase{types.PhaseExecuting, types.PhaseVerifying},
		},
		{
			Name:        ToolListFiles,
			Description: "List a directory in the workspace.",
			Params: []Param{
				{Name: "PATH", Description: "Directory to list; defaults to the workspace root"},
			},
			Phases: all,
		},
		{
			Name:        ToolUpdateTodo,
			Description: "Rewrite todo.md with updated step statuses.",
			Params: []Param{
				{Name: "CONTENT", Required: true, Description: "Full replacement content for todo.md"},
			},
			Phases: []types.Phase{types.PhasePlanning, types.PhaseExecuting},
		},
		{
			Name:        ToolVerify,
			Description: "Run a verification command (typically a test) and record the outcome.",
			Params: []Param{
				{Name: "COMMAND", Required: true, Description: "Check to run"},
				{Name: "DESCRIPTION", Description: "What the check asserts"},
			},
			Phases: []types.Phase{types.PhaseVerifying},
		},
		{
			Name:        ToolBrowser,
			Description: "Drive a headless browser with a natural-language task or a structured action.",
			Params: []Param{
				{Name: "TASK", Description: "Natural-language browser task"},
				{Name: "TOOL", Description: "Structured action: navigate, click, fill, extract, screenshot"},
				{Name: "URL", Description: "Target URL for navigate"},
				{Name: "SELECTOR", Description: "CSS selector for click/fill/extract"},
				{Name: "VALUE", Description: "Value for fill"},
			},
			Phases: []types.Phase{types.PhaseExecuting, types.PhaseBrowsing},
		},
		{
			Name:        ToolSearchWeb,
			Description: "Search the web and return titled snippets.",
			Params: []Param{
				{Name: "QUERY", Required: true, Description: "Search query"},
				{Name: "MAX_RESULTS", Description: "Result cap; default 5"},
			},
			Phases: []types.Phase{types.PhasePlanning, types.PhaseExecuting, types.PhaseLearning},
		},
		{
			Name:        ToolThink,
			Description: "Record a thought without side effects.",
			Params: []Param{
				{Name: "THOUGHT", Required: true, Description: "The reasoning to record"},
			},
			Phases: all,
		},
		{
			Name:        ToolDelegate,
			Description: "Delegate a subtask to a sub-agent.",
			Params: []Param{
				{Name: "AGENT", Required: true, Description: "Sub-agent tag: knowledge, browser, coder"},
				{Name: "TASK", Required: true, Description: "Subtask description"},
				{Name: "MODE", Description: "sequential, parallel, hierarchical, or consensus"},
				{Name: "STRICT", Description: "Halt on first failure when true"},
			},
			Phases: []types.Phase{types.PhaseExecuting},
		},
		{
			Name:        ToolTaskCompleted,
			Description: "Declare the task finished. The loop exits after this iteration.",
			Params: []Param{
				{Name: "MESSAGE", Description: "Final message for the user"},
			},
			Phases: []types.Phase{types.PhaseExecuting, types.PhaseLearning},
		},
	}
}

// Registry is the static tool catalog plus the phase mask. It is immutable
// after construction; the rendered prompt section is computed once so its
// bytes are identical across every call within a task.
type Registry struct {
	specs    []Spec
	byName   map[string]Spec
	section  string
	strength int

	// token ids per identifier, computed lazily once.
	tokenOnce sync.Once
	tokenIDs  map[string][]int
}

// NewRegistry builds the registry. biasStrength is the logit adjustment for
// forbidden tool tokens; the default and floor is -100.
func NewRegistry(biasStrength int) *Registry {
	if biasStrength == 0 || biasStrength < -100 {
		biasStrength = -100
	}
	specs := Catalog()
	byName := make(map[string]Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	r := &Registry{specs: specs, byName: byName, strength: biasStrength}
	r.section = r.render()
	return r
}

// Names returns the identifier set in catalog order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		names = append(names, s.Name)
	}
	return names
}

// Lookup returns the spec for a tool identifier.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// SystemPromptSection returns the catalog rendered as prompt text. The bytes
// are identical on every call.
func (r *Registry) SystemPromptSection() string {
	return r.section
}

func (r *Registry) render() string {
	var b strings.Builder
	b.WriteString("## Available tools\n\n")
	b.WriteString("Invoke tools with ACTION blocks:\n\n")
	b.WriteString("ACTION: <TOOL>\n<KEY>: <value>\n---END---\n\n")
	for _, s := range r.specs {
		fmt.Fprintf(&b, "### %s\n%s\n", s.Name, s.Description)
		for _, p := range s.Params {
			req := ""
			if p.Required {
				req = " (required)"
			}
			fmt.Fprintf(&b, "- %s%s: %s\n", p.Name, req, p.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// BiasFor returns the logit-bias map for a phase: every token id of every
// identifier not valid in the phase carries the configured bias. Keys are
// token-id strings per OpenAI logit_bias semantics.
func (r *Registry) BiasFor(phase types.Phase) map[string]int {
	r.tokenOnce.Do(func() {
		r.tokenIDs = make(map[string][]int, len(r.specs))
		for _, s := range r.specs {
			r.tokenIDs[s.Name] = token.Encode(s.Name)
		}
	})
	bias := make(map[string]int)
	for _, s := range r.specs {
		if s.allowedIn(phase) {
			continue
		}
		for _, id := range r.tokenIDs[s.Name] {
			bias[strconv.Itoa(id)] = r.strength
		}
	}
	// A token shared between an allowed and a forbidden identifier must not
	// be suppressed, or the allowed tool becomes unemittable.
	for _, s := range r.specs {
		if !s.allowedIn(phase) {
			continue
		}
		for _, id := range r.tokenIDs[s.Name] {
			delete(bias, strconv.Itoa(id))
		}
	}
	return bias
}

// Validate checks an action against the catalog and the current phase.
func (r *Registry) Validate(action types.Action, phase types.Phase) error {
	spec, ok := r.byName[action.Tool]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidTool, action.Tool)
	}
	if !spec.allowedIn(phase) {
		return fmt.Errorf("%w: %s in %s", ErrNotAllowedInPhase, action.Tool, phase)
	}
	known := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		known[p.Name] = true
		if p.Required && strings.TrimSpace(action.Param(p.Name)) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrMissingParam, action.Tool, p.Name)
		}
	}
	var unknown []string
	for name := range action.Params {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s does not accept %s", ErrUnknownParam, action.Tool, strings.Join(unknown, ", "))
	}
	return nil
}

// Reason maps a validation error to its action_rejected reason string.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTool):
		return "invalid_tool"
	case errors.Is(err, ErrNotAllowedInPhase):
		return "not_allowed_in_phase"
	case errors.Is(err, ErrMissingParam):
		return "missing_param"
	case errors.Is(err, ErrUnknownParam):
		return "unknown_param"
	default:
		return "parse_error"
	}
}
