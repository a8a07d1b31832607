package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/internal/learning"
)

func echoAgent(prefix string) AgentFunc {
	return func(ctx context.Context, input string) (string, error) {
		return prefix + input, nil
	}
}

func failingAgent(msg string) AgentFunc {
	return func(ctx context.Context, input string) (string, error) {
		return "", errors.New(msg)
	}
}

func TestSequentialKeepsOrder(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("echo", echoAgent("->"))

	results := o.Sequential(context.Background(), []Task{
		{Agent: "echo", Input: "a"},
		{Agent: "echo", Input: "b"},
	}, false)
	require.Len(t, results, 2)
	assert.Equal(t, "->a", results[0].Output)
	assert.Equal(t, "->b", results[1].Output)
	assert.True(t, results[0].Success)
}

func TestSequentialStrictHaltsOnFailure(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("echo", echoAgent(""))
	o.Register("boom", failingAgent("broken"))

	results := o.Sequential(context.Background(), []Task{
		{Agent: "echo", Input: "a"},
		{Agent: "boom", Input: "b"},
		{Agent: "echo", Input: "c"},
	}, true)
	require.Len(t, results, 2)
	assert.False(t, results[1].Success)
	assert.Equal(t, "broken", results[1].Err)
}

func TestSequentialNonStrictRunsAll(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("boom", failingAgent("nope"))
	results := o.Sequential(context.Background(), []Task{
		{Agent: "boom", Input: "a"},
		{Agent: "boom", Input: "b"},
	}, false)
	assert.Len(t, results, 2)
}

func TestUnknownAgentFailsTask(t *testing.T) {
	o := New(4, nil, nil)
	results := o.Sequential(context.Background(), []Task{{Agent: "ghost", Input: "x"}}, false)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Err, "unknown agent")
}

func TestParallelReturnsSubmissionOrder(t *testing.T) {
	o := New(8, nil, nil)
	o.Register("echo", AgentFunc(func(ctx context.Context, input string) (string, error) {
		// Later tasks finish first.
		n, _ := strconv.Atoi(input)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return input, nil
	}))

	var tasks []Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, Task{Agent: "echo", Input: strconv.Itoa(i)})
	}
	results := o.Parallel(context.Background(), tasks)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, strconv.Itoa(i), r.Output)
	}
}

func TestParallelHonorsLimit(t *testing.T) {
	var active, peak int32
	o := New(2, nil, nil)
	o.Register("slow", AgentFunc(func(ctx context.Context, input string) (string, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return input, nil
	}))

	var tasks []Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, Task{Agent: "slow", Input: strconv.Itoa(i)})
	}
	o.Parallel(context.Background(), tasks)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestHierarchicalAggregation(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("a", echoAgent(""))

	results, merged := o.Hierarchical(context.Background(), []Subtask{
		{Tasks: []Task{{Agent: "a", Input: "shared\nunique-1"}}},
		{Tasks: []Task{{Agent: "a", Input: "shared\nunique-2"}}, Parallel: true},
	}, AggMerge)
	require.Len(t, results, 2)
	assert.Equal(t, "shared\nunique-1\nunique-2", merged)

	_, voted := o.Hierarchical(context.Background(), []Subtask{
		{Tasks: []Task{
			{Agent: "a", Input: "x"},
			{Agent: "a", Input: "x"},
			{Agent: "a", Input: "y"},
		}},
	}, AggVote)
	assert.Equal(t, "x", voted)
}

func TestConsensusNeedsThreeAgents(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("a", echoAgent(""))
	_, err := o.Consensus(context.Background(), "in", []string{"a", "a"}, 0)
	assert.Error(t, err)
}

func TestConsensusAgreement(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("a", AgentFunc(func(ctx context.Context, in string) (string, error) { return "YES", nil }))
	o.Register("b", AgentFunc(func(ctx context.Context, in string) (string, error) { return "yes", nil }))
	o.Register("c", AgentFunc(func(ctx context.Context, in string) (string, error) { return "no", nil }))

	// Normalization folds case, so two of three agree.
	res, err := o.Consensus(context.Background(), "in", []string{"a", "b", "c"}, 0.6)
	require.NoError(t, err)
	assert.True(t, res.Reached)
	assert.InDelta(t, 2.0/3.0, res.Agreement, 1e-9)
	assert.Equal(t, "YES", res.Output)
}

func TestConsensusNotReached(t *testing.T) {
	o := New(4, nil, nil)
	o.Register("a", AgentFunc(func(ctx context.Context, in string) (string, error) { return "alpha", nil }))
	o.Register("b", AgentFunc(func(ctx context.Context, in string) (string, error) { return "beta", nil }))
	o.Register("c", AgentFunc(func(ctx context.Context, in string) (string, error) { return "gamma", nil }))

	res, err := o.Consensus(context.Background(), "in", []string{"a", "b", "c"}, 0.6)
	require.NoError(t, err)
	assert.False(t, res.Reached)
}

func TestRunRecordsInteractions(t *testing.T) {
	log := learning.NewInteractionLog()
	o := New(4, log, nil)
	o.Register("echo", echoAgent(""))
	o.Register("boom", failingAgent("x"))

	o.Sequential(context.Background(), []Task{
		{Agent: "echo", Input: "fine"},
		{Agent: "boom", Input: "broken"},
	}, false)

	recs := log.Interactions()
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Success)
	assert.False(t, recs[1].Success)
	assert.Equal(t, 1, recs[1].ErrorCount)
}
