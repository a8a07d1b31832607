package learning

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// StrategyKind is the execution shape chosen for a task.
type StrategyKind string

const (
	StrategySingle       StrategyKind = "single"
	StrategySequential   StrategyKind = "sequential"
	StrategyParallel     StrategyKind = "parallel"
	StrategyHierarchical StrategyKind = "hierarchical"
	StrategyConsensus    StrategyKind = "consensus"
)

// Complexity grades a task description.
type Complexity string

const (
	ComplexityTrivial     Complexity = "trivial"
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

var complexityRank = map[Complexity]int{
	ComplexityTrivial: 0, ComplexitySimple: 1, ComplexityModerate: 2,
	ComplexityComplex: 3, ComplexityVeryComplex: 4,
}

// Characterization is the analyzer's view of a task.
type Characterization struct {
	Complexity        Complexity   `json:"complexity"`
	SuggestedAgents   []string     `json:"suggested_agents"`
	EstimatedDuration int          `json:"estimated_duration_s"`
	Keywords          []string     `json:"keywords"`
	Strategy          StrategyKind `json:"strategy"`
	Confidence        float64      `json:"confidence"`
}

// Outcome is a recorded strategy result for later replay.
type Outcome struct {
	Keywords   []string      `json:"keywords"`
	Strategy   StrategyKind  `json:"strategy"`
	Agents     []string      `json:"agents"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration_ms"`
	RecordedAt time.Time     `json:"recorded_at"`
}

const strategyReplayOverlap = 0.5

var (
	actionVerbRe = regexp.MustCompile(`\b(build|implement|create|refactor|migrate|design|integrate)\b`)
	testVerbRe   = regexp.MustCompile(`\b(test|verify|validate|check|debug|fix)\b`)
	researchRe   = regexp.MustCompile(`\b(research|investigate|find|search|compare|summarize|learn)\b`)
	browserRe    = regexp.MustCompile(`\b(browser|website|web page|webpage|screenshot|click|navigate)\b`)
	fileCountRe  = regexp.MustCompile(`\b(\d+)\s+files?\b`)
	multiAgentRe = regexp.MustCompile(`\b(then|after that|and then|followed by|finally)\b`)
)

// Strategy characterizes tasks and replays the outcome-best strategy for
// similar prior ones.
type Strategy struct {
	mu       sync.RWMutex
	outcomes []Outcome
}

// NewStrategy builds an empty store.
func NewStrategy() *Strategy {
	return &Strategy{}
}

// Analyze characterizes a task description by keyword heuristics: verb
// counts, file-count mentions, and length.
func (s *Strategy) Analyze(task string) Characterization {
	lower := strings.ToLower(task)
	score := 0
	score += len(actionVerbRe.FindAllString(lower, -1))
	score += len(testVerbRe.FindAllString(lower, -1))
	if m := fileCountRe.FindStringSubmatch(lower); m != nil && len(m[1]) > 1 {
		// Double-digit file counts push complexity hard.
		score += 3
	}
	words := len(strings.Fields(task))
	switch {
	case words > 120:
		score += 3
	case words > 60:
		score += 2
	case words > 25:
		score++
	}

	var complexity Complexity
	switch {
	case score >= 7:
		complexity = ComplexityVeryComplex
	case score >= 5:
		complexity = ComplexityComplex
	case score >= 3:
		complexity = ComplexityModerate
	case score >= 1:
		complexity = ComplexitySimple
	default:
		complexity = ComplexityTrivial
	}

	agents := []string{"coder"}
	if researchRe.MatchString(lower) {
		agents = append(agents, "knowledge")
	}
	if browserRe.MatchString(lower) {
		agents = append(agents, "browser")
	}

	estimated := 30 * (complexityRank[complexity] + 1) * (complexityRank[complexity] + 1)

	return Characterization{
		Complexity:        complexity,
		SuggestedAgents:   agents,
		EstimatedDuration: estimated,
		Keywords:          extractTags(task, 16),
	}
}

// SelectStrategy picks the execution shape: the outcome-best strategy of the
// nearest prior characterization (keyword Jaccard >= 0.5) when one exists,
// otherwise defaults driven by complexity and sequencing keywords.
func (s *Strategy) SelectStrategy(task string) Characterization {
	ch := s.Analyze(task)

	if best, conf, ok := s.replay(ch.Keywords); ok {
		ch.Strategy = best
		ch.Confidence = conf
		return ch
	}

	lower := strings.ToLower(task)
	switch {
	case complexityRank[ch.Complexity] >= complexityRank[ComplexityComplex]:
		ch.Strategy = StrategyHierarchical
	case multiAgentRe.MatchString(lower) || len(ch.SuggestedAgents) > 1:
		ch.Strategy = StrategySequential
	default:
		ch.Strategy = StrategySingle
	}
	ch.Confidence = 0.5
	return ch
}

// replay finds matching prior outcomes and returns the best strategy among
// them: highest success rate, ties broken by mean speed.
func (s *Strategy) replay(keywords []string) (StrategyKind, float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kwSet := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		kwSet[k] = struct{}{}
	}

	type agg struct {
		runs      int
		successes int
		total     time.Duration
	}
	byStrategy := make(map[StrategyKind]*agg)
	matched := 0
	for _, o := range s.outcomes {
		oSet := make(map[string]struct{}, len(o.Keywords))
		for _, k := range o.Keywords {
			oSet[k] = struct{}{}
		}
		if jaccard(kwSet, oSet) < strategyReplayOverlap {
			continue
		}
		matched++
		a := byStrategy[o.Strategy]
		if a == nil {
			a = &agg{}
			byStrategy[o.Strategy] = a
		}
		a.runs++
		if o.Success {
			a.successes++
		}
		a.total += o.Duration
	}
	if matched == 0 {
		return "", 0, false
	}

	var best StrategyKind
	bestRate := -1.0
	var bestSpeed time.Duration
	for kind, a := range byStrategy {
		rate := float64(a.successes) / float64(a.runs)
		mean := a.total / time.Duration(a.runs)
		if rate > bestRate || (rate == bestRate && mean < bestSpeed) {
			best, bestRate, bestSpeed = kind, rate, mean
		}
	}
	confidence := 0.6 + 0.1*float64(min(matched, 4))
	return best, confidence, true
}

// RecordOutcome stores a strategy result for future replay.
func (s *Strategy) RecordOutcome(task string, strategy StrategyKind, agents []string, success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, Outcome{
		Keywords:   extractTags(task, 16),
		Strategy:   strategy,
		Agents:     agents,
		Success:    success,
		Duration:   duration,
		RecordedAt: time.Now(),
	})
}

// Outcomes returns a snapshot of recorded outcomes.
func (s *Strategy) Outcomes() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Outcome(nil), s.outcomes...)
}

func (s *Strategy) restore(outcomes []Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}
