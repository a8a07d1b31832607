package learning

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeComplexityScaling(t *testing.T) {
	s := NewStrategy()

	assert.Equal(t, ComplexityTrivial, s.Analyze("hello").Complexity)
	assert.Equal(t, ComplexitySimple, s.Analyze("fix the typo").Complexity)

	heavy := s.Analyze("build and implement a service, then refactor and migrate 12 files, test and verify everything")
	assert.GreaterOrEqual(t, complexityRank[heavy.Complexity], complexityRank[ComplexityComplex])
}

func TestAnalyzeSuggestsAgents(t *testing.T) {
	s := NewStrategy()

	ch := s.Analyze("implement the endpoint")
	assert.Equal(t, []string{"coder"}, ch.SuggestedAgents)

	ch = s.Analyze("research the best queue library and implement it")
	assert.Contains(t, ch.SuggestedAgents, "knowledge")

	ch = s.Analyze("take a screenshot of the dashboard webpage")
	assert.Contains(t, ch.SuggestedAgents, "browser")
}

func TestSelectStrategyDefaults(t *testing.T) {
	s := NewStrategy()

	ch := s.SelectStrategy("fix the typo")
	assert.Equal(t, StrategySingle, ch.Strategy)
	assert.InDelta(t, 0.5, ch.Confidence, 1e-9)

	ch = s.SelectStrategy("research the options and then implement the winner")
	assert.Equal(t, StrategySequential, ch.Strategy)

	ch = s.SelectStrategy("design, build and implement the importer, migrate 15 files, refactor the models, then test, verify and validate the whole " + strings.Repeat("pipeline ", 30))
	assert.Equal(t, StrategyHierarchical, ch.Strategy)
}

func TestSelectStrategyReplaysPriorOutcomes(t *testing.T) {
	s := NewStrategy()
	task := "containerize the billing service with docker"

	// Parallel failed twice, sequential succeeded twice on near-identical
	// tasks; replay must pick sequential.
	s.RecordOutcome(task, StrategyParallel, []string{"coder"}, false, time.Minute)
	s.RecordOutcome(task, StrategyParallel, []string{"coder"}, false, time.Minute)
	s.RecordOutcome(task, StrategySequential, []string{"coder"}, true, 2*time.Minute)
	s.RecordOutcome(task, StrategySequential, []string{"coder"}, true, 2*time.Minute)

	ch := s.SelectStrategy("containerize the billing service with docker compose")
	assert.Equal(t, StrategySequential, ch.Strategy)
	assert.Greater(t, ch.Confidence, 0.5)
}

func TestReplayIgnoresDissimilarOutcomes(t *testing.T) {
	s := NewStrategy()
	s.RecordOutcome("tune the ffmpeg transcoding presets", StrategyConsensus, nil, true, time.Minute)

	ch := s.SelectStrategy("fix the login page typo")
	assert.NotEqual(t, StrategyConsensus, ch.Strategy)
	assert.InDelta(t, 0.5, ch.Confidence, 1e-9)
}

func TestReplayConfidenceGrowsWithMatches(t *testing.T) {
	s := NewStrategy()
	task := "upgrade the redis cache cluster"
	for i := 0; i < 6; i++ {
		s.RecordOutcome(task, StrategySingle, nil, true, time.Minute)
	}
	ch := s.SelectStrategy(task)
	require.Equal(t, StrategySingle, ch.Strategy)
	// Confidence caps at 0.6 + 0.1*4.
	assert.InDelta(t, 1.0, ch.Confidence, 1e-9)
}
