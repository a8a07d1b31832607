// Package learning holds the five process-wide learning stores: the
// interaction log, the knowledge hub, the performance optimizer, the adaptive
// strategy store, and the error-pattern store. Stores are append-mostly and
// shared across concurrent tasks; each takes a short exclusive lock on write
// and serves snapshot-consistent reads.
package learning

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"argo/pkg/types"
)

// Confidence grades a learning by the evidence behind it.
type Confidence string

const (
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVeryHigh Confidence = "very_high"
)

// confidenceForCount maps occurrence counts to confidence tiers.
func confidenceForCount(count int) Confidence {
	switch {
	case count >= 15:
		return ConfidenceVeryHigh
	case count >= 7:
		return ConfidenceHigh
	case count >= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// LearningKind enumerates extracted pattern kinds.
type LearningKind string

const (
	LearnSuccessPattern LearningKind = "success_pattern"
	LearnFailurePattern LearningKind = "failure_pattern"
	LearnOptimization   LearningKind = "optimization"
	LearnErrorRecovery  LearningKind = "error_recovery"
	LearnTaskStrategy   LearningKind = "task_strategy"
	LearnBestPractice   LearningKind = "best_practice"
)

// Interaction is one completed (sub-)task outcome.
type Interaction struct {
	ID         string               `json:"id"`
	Agent      string               `json:"agent"`
	Task       string               `json:"task"`
	Actions    []types.Action       `json:"actions"`
	Results    []types.ActionResult `json:"results"`
	Success    bool                 `json:"success"`
	Duration   time.Duration        `json:"duration_ms"`
	Iterations int                  `json:"iterations"`
	ErrorCount int                  `json:"error_count"`
	Tags       []string             `json:"tags"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// Learning is an extracted pattern with its supporting evidence.
type Learning struct {
	ID          string       `json:"id"`
	Kind        LearningKind `json:"kind"`
	Description string       `json:"description"`
	Evidence    []string     `json:"evidence"`
	Occurrences int          `json:"occurrences"`
	Confidence  Confidence   `json:"confidence"`
	SuccessRate float64      `json:"success_rate"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// extraction thresholds.
const (
	extractionMinMatches = 3
	extractionMinOverlap = 0.5
)

// InteractionLog appends completed interactions and extracts learnings when
// enough similar outcomes accrete.
type InteractionLog struct {
	mu           sync.RWMutex
	interactions []Interaction
	learnings    []Learning
}

// NewInteractionLog builds an empty log.
func NewInteractionLog() *InteractionLog {
	return &InteractionLog{}
}

// Record appends one interaction, fills derived fields, and runs extraction.
// Returns the stored record and any learning created or reinforced by it.
func (l *InteractionLog) Record(in Interaction) (Interaction, *Learning) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = time.Now()
	}
	if len(in.Tags) == 0 {
		in.Tags = extractTags(in.Task, 12)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.interactions = append(l.interactions, in)
	learning := l.extractLocked(in)
	return in, learning
}

// extractLocked looks for k >= 3 prior records with the same outcome whose
// tag overlap with the new record is >= 0.5. On a hit it reinforces an
// existing learning or creates one.
func (l *InteractionLog) extractLocked(in Interaction) *Learning {
	var evidence []string
	for i := range l.interactions[:len(l.interactions)-1] {
		prior := &l.interactions[i]
		if prior.Success != in.Success {
			continue
		}
		if tagOverlap(in.Tags, prior.Tags) >= extractionMinOverlap {
			evidence = append(evidence, prior.ID)
		}
	}
	if len(evidence) < extractionMinMatches {
		return nil
	}
	evidence = append(evidence, in.ID)

	kind := LearnSuccessPattern
	if !in.Success {
		kind = LearnFailurePattern
	}
	desc := describePattern(in)

	for i := range l.learnings {
		existing := &l.learnings[i]
		if existing.Kind != kind {
			continue
		}
		if textSimilarity(existing.Description, desc) >= extractionMinOverlap {
			existing.Occurrences++
			existing.Evidence = mergeIDs(existing.Evidence, evidence)
			existing.Confidence = confidenceForCount(existing.Occurrences)
			existing.UpdatedAt = time.Now()
			copied := *existing
			return &copied
		}
	}

	created := Learning{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: desc,
		Evidence:    evidence,
		Occurrences: 1,
		Confidence:  confidenceForCount(1),
		SuccessRate: successShare(in.Success),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	l.learnings = append(l.learnings, created)
	return &created
}

func describePattern(in Interaction) string {
	outcome := "succeed"
	if !in.Success {
		outcome = "fail"
	}
	return "tasks like \"" + clip(in.Task, 80) + "\" tend to " + outcome +
		" with agent " + in.Agent
}

func successShare(success bool) float64 {
	if success {
		return 1
	}
	return 0
}

// AddLearning stores an externally derived learning (e.g. from reflection).
func (l *InteractionLog) AddLearning(learning Learning) Learning {
	if learning.ID == "" {
		learning.ID = uuid.NewString()
	}
	if learning.Occurrences == 0 {
		learning.Occurrences = 1
	}
	if learning.Confidence == "" {
		learning.Confidence = confidenceForCount(learning.Occurrences)
	}
	now := time.Now()
	if learning.CreatedAt.IsZero() {
		learning.CreatedAt = now
	}
	learning.UpdatedAt = now
	l.mu.Lock()
	defer l.mu.Unlock()
	l.learnings = append(l.learnings, learning)
	return learning
}

// Interactions returns a snapshot of all records.
func (l *InteractionLog) Interactions() []Interaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Interaction(nil), l.interactions...)
}

// Learnings returns a snapshot of all extracted learnings.
func (l *InteractionLog) Learnings() []Learning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Learning(nil), l.learnings...)
}

// Relevant returns learnings whose description overlaps the task text,
// ordered by confidence then recency, capped at max.
func (l *InteractionLog) Relevant(task string, max int) []Learning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	taskTags := extractTags(task, 12)
	var out []Learning
	for _, learning := range l.learnings {
		if tagOverlap(extractTags(learning.Description, 12), taskTags) > 0 {
			out = append(out, learning)
		}
	}
	sortLearnings(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

func sortLearnings(ls []Learning) {
	rank := map[Confidence]int{
		ConfidenceVeryHigh: 3, ConfidenceHigh: 2, ConfidenceMedium: 1, ConfidenceLow: 0,
	}
	for i := 1; i < len(ls); i++ {
		for j := i; j > 0; j-- {
			a, b := ls[j-1], ls[j]
			if rank[b.Confidence] > rank[a.Confidence] ||
				(rank[b.Confidence] == rank[a.Confidence] && b.UpdatedAt.After(a.UpdatedAt)) {
				ls[j-1], ls[j] = b, a
			} else {
				break
			}
		}
	}
}

func mergeIDs(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
