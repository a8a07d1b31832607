// Package orchestrator coordinates sub-agent execution: sequential chains,
// bounded parallel fan-out, hierarchical aggregation, and consensus voting.
// Every delegated task lands in the interaction log under its sub-agent tag.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"argo/internal/learning"
	"argo/internal/logging"
)

// DefaultParallelism bounds concurrent sub-agent executions.
const DefaultParallelism = 8

// DefaultMinAgreement is the consensus share required to declare a winner.
const DefaultMinAgreement = 0.6

// Task is one delegated unit of work.
type Task struct {
	ID    string
	Agent string
	Input string
}

// Result is one delegated task's outcome.
type Result struct {
	TaskID   string        `json:"task_id"`
	Agent    string        `json:"agent"`
	Output   string        `json:"output"`
	Success  bool          `json:"success"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// Agent is the capability every sub-agent implements.
type Agent interface {
	Execute(ctx context.Context, input string) (string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, input string) (string, error)

func (f AgentFunc) Execute(ctx context.Context, input string) (string, error) {
	return f(ctx, input)
}

// Aggregation selects how hierarchical results combine.
type Aggregation string

const (
	AggConcat Aggregation = "concat"
	AggMerge  Aggregation = "merge"
	AggVote   Aggregation = "vote"
)

// Orchestrator holds the agent registry and execution shapes.
type Orchestrator struct {
	mu           sync.RWMutex
	agents       map[string]Agent
	parallelism  int
	interactions *learning.InteractionLog
	logger       logging.Logger
}

// New builds an orchestrator. interactions may be nil to skip recording.
func New(parallelism int, interactions *learning.InteractionLog, logger logging.Logger) *Orchestrator {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Orchestrator{
		agents:       make(map[string]Agent),
		parallelism:  parallelism,
		interactions: interactions,
		logger:       logging.OrNop(logger),
	}
}

// Register binds an agent-kind tag to an implementation.
func (o *Orchestrator) Register(tag string, agent Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[tag] = agent
}

// Agents returns the registered tags, sorted.
func (o *Orchestrator) Agents() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tags := make([]string, 0, len(o.agents))
	for tag := range o.agents {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (o *Orchestrator) lookup(tag string) (Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[tag]
	return a, ok
}

// run executes one task and records the interaction.
func (o *Orchestrator) run(ctx context.Context, task Task) Result {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	result := Result{TaskID: task.ID, Agent: task.Agent}
	agent, ok := o.lookup(task.Agent)
	start := time.Now()
	if !ok {
		result.Err = fmt.Sprintf("unknown agent: %s", task.Agent)
	} else {
		output, err := agent.Execute(ctx, task.Input)
		result.Output = output
		if err != nil {
			result.Err = err.Error()
		} else {
			result.Success = true
		}
	}
	result.Duration = time.Since(start)

	if o.interactions != nil {
		errCount := 0
		if !result.Success {
			errCount = 1
		}
		o.interactions.Record(learning.Interaction{
			Agent:      task.Agent,
			Task:       task.Input,
			Success:    result.Success,
			Duration:   result.Duration,
			Iterations: 1,
			ErrorCount: errCount,
		})
	}
	return result
}

// Sequential runs tasks in listed order. With strict set, the first failure
// halts the chain; otherwise all run and failures are marked in place.
func (o *Orchestrator) Sequential(ctx context.Context, tasks []Task, strict bool) []Result {
	results := make([]Result, 0, len(tasks))
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			break
		}
		result := o.run(ctx, task)
		results = append(results, result)
		if strict && !result.Success {
			o.logger.Warn("strict sequential halted at %s: %s", task.Agent, result.Err)
			break
		}
	}
	return results
}

// Parallel starts all tasks concurrently under the parallelism bound and
// returns results in submission order.
func (o *Orchestrator) Parallel(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = o.run(groupCtx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Subtask is one hierarchical child: a task list plus its internal shape.
type Subtask struct {
	Tasks    []Task
	Parallel bool
	Strict   bool
}

// Hierarchical runs subtasks (each internally sequential or parallel) and
// aggregates the flattened results.
func (o *Orchestrator) Hierarchical(ctx context.Context, subtasks []Subtask, agg Aggregation) ([]Result, string) {
	var all []Result
	for _, st := range subtasks {
		if st.Parallel {
			all = append(all, o.Parallel(ctx, st.Tasks)...)
		} else {
			all = append(all, o.Sequential(ctx, st.Tasks, st.Strict)...)
		}
	}
	return all, aggregate(all, agg)
}

func aggregate(results []Result, agg Aggregation) string {
	var outputs []string
	for _, r := range results {
		if r.Success && r.Output != "" {
			outputs = append(outputs, r.Output)
		}
	}
	switch agg {
	case AggMerge:
		seen := make(map[string]struct{})
		var lines []string
		for _, out := range outputs {
			for _, line := range strings.Split(out, "\n") {
				if _, dup := seen[line]; dup {
					continue
				}
				seen[line] = struct{}{}
				lines = append(lines, line)
			}
		}
		return strings.Join(lines, "\n")
	case AggVote:
		winner, _ := modal(outputs)
		return winner
	default:
		return strings.Join(outputs, "\n\n")
	}
}

// Consensus dispatches the same input to the given agents (at least 3),
// groups outputs by normalized equality, and declares consensus when the
// largest group's share reaches minAgreement.
type ConsensusResult struct {
	Output    string  `json:"output"`
	Agreement float64 `json:"agreement"`
	Reached   bool    `json:"reached"`
	Results   []Result
}

func (o *Orchestrator) Consensus(ctx context.Context, input string, agents []string, minAgreement float64) (ConsensusResult, error) {
	if len(agents) < 3 {
		return ConsensusResult{}, fmt.Errorf("consensus requires at least 3 agents, got %d", len(agents))
	}
	if minAgreement <= 0 {
		minAgreement = DefaultMinAgreement
	}
	tasks := make([]Task, len(agents))
	for i, tag := range agents {
		tasks[i] = Task{Agent: tag, Input: input}
	}
	results := o.Parallel(ctx, tasks)

	var outputs []string
	for _, r := range results {
		if r.Success {
			outputs = append(outputs, r.Output)
		}
	}
	winner, count := modal(outputs)
	agreement := 0.0
	if len(results) > 0 {
		agreement = float64(count) / float64(len(results))
	}
	return ConsensusResult{
		Output:    winner,
		Agreement: agreement,
		Reached:   agreement >= minAgreement,
		Results:   results,
	}, nil
}

// modal returns the most frequent output under whitespace normalization.
func modal(outputs []string) (string, int) {
	counts := make(map[string]int)
	originals := make(map[string]string)
	for _, out := range outputs {
		norm := strings.Join(strings.Fields(strings.ToLower(out)), " ")
		counts[norm]++
		if _, ok := originals[norm]; !ok {
			originals[norm] = out
		}
	}
	bestNorm, bestCount := "", 0
	for norm, count := range counts {
		if count > bestCount {
			bestNorm, bestCount = norm, count
		}
	}
	return originals[bestNorm], bestCount
}
