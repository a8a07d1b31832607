package learning

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"

	"argo/internal/llm"
	"argo/internal/logging"
	"argo/pkg/types"
)

// ErrorCategory buckets errors by their observable type.
type ErrorCategory string

const (
	ErrCatTimeout    ErrorCategory = "timeout"
	ErrCatPermission ErrorCategory = "permission"
	ErrCatNotFound   ErrorCategory = "not_found"
	ErrCatSyntax     ErrorCategory = "syntax"
	ErrCatNetwork    ErrorCategory = "network"
	ErrCatExec       ErrorCategory = "exec"
	ErrCatValidation ErrorCategory = "validation"
	ErrCatUnknown    ErrorCategory = "unknown"
)

// clustering thresholds.
const (
	patternSimilarity = 0.7
	patternMinMembers = 3
	suggestionCache   = 128
)

// ErrorRecord is one observed error.
type ErrorRecord struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	Tool       string        `json:"tool,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Pattern is a promoted cluster of similar errors.
type Pattern struct {
	ID         string        `json:"id"`
	Category   ErrorCategory `json:"category"`
	Exemplar   string        `json:"exemplar"`
	Members    []string      `json:"members"`
	RootCauses []string      `json:"root_causes,omitempty"`
	Fixes      []string      `json:"fixes,omitempty"`
	Prevention []string      `json:"prevention,omitempty"`
	PromotedAt time.Time     `json:"promoted_at,omitempty"`
}

// Promoted reports whether the cluster crossed the membership threshold.
func (p *Pattern) Promoted() bool { return len(p.Members) >= patternMinMembers }

// ErrorPatterns clusters similar errors and generates fix suggestions via one
// LLM call per promoted pattern, cached thereafter.
type ErrorPatterns struct {
	mu       sync.RWMutex
	records  []ErrorRecord
	patterns []*Pattern

	llm    llm.Client
	cache  *lru.Cache[string, []string]
	logger logging.Logger
}

// NewErrorPatterns builds the store. client may be nil; suggestions are then
// skipped.
func NewErrorPatterns(client llm.Client, logger logging.Logger) *ErrorPatterns {
	cache, _ := lru.New[string, []string](suggestionCache)
	return &ErrorPatterns{
		llm:    client,
		cache:  cache,
		logger: logging.OrNop(logger),
	}
}

// Categorize buckets an error message by substring heuristics.
func Categorize(message string) ErrorCategory {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		return ErrCatTimeout
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied") || strings.Contains(lower, "forbidden"):
		return ErrCatPermission
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such file") || strings.Contains(lower, "404"):
		return ErrCatNotFound
	case strings.Contains(lower, "syntaxerror") || strings.Contains(lower, "syntax error") || strings.Contains(lower, "parse error") || strings.Contains(lower, "unexpected token"):
		return ErrCatSyntax
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") || strings.Contains(lower, "dns") || strings.Contains(lower, "unreachable"):
		return ErrCatNetwork
	case strings.Contains(lower, "exit code") || strings.Contains(lower, "exit status") || strings.Contains(lower, "command failed"):
		return ErrCatExec
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "missing"):
		return ErrCatValidation
	default:
		return ErrCatUnknown
	}
}

// Record stores an error, assigns it to the best-matching cluster (word-set
// Jaccard >= 0.7 with matching category) or opens a new candidate, and
// returns the cluster with its promotion status.
func (e *ErrorPatterns) Record(ctx context.Context, taskID, tool, message string) *Pattern {
	rec := ErrorRecord{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Category:   Categorize(message),
		Message:    message,
		Tool:       tool,
		RecordedAt: time.Now(),
	}

	e.mu.Lock()
	e.records = append(e.records, rec)

	var best *Pattern
	bestScore := 0.0
	recWords := wordSet(message)
	for _, p := range e.patterns {
		if p.Category != rec.Category {
			continue
		}
		score := jaccard(recWords, wordSet(p.Exemplar))
		if score >= patternSimilarity && score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil {
		best = &Pattern{
			ID:       uuid.NewString(),
			Category: rec.Category,
			Exemplar: message,
		}
		e.patterns = append(e.patterns, best)
	}
	best.Members = append(best.Members, rec.ID)
	justPromoted := len(best.Members) == patternMinMembers
	if justPromoted {
		best.PromotedAt = time.Now()
	}
	snapshot := *best
	e.mu.Unlock()

	if len(best.Members) >= patternMinMembers && e.llm != nil {
		e.suggest(ctx, best)
		e.mu.RLock()
		snapshot = *best
		e.mu.RUnlock()
	}
	return &snapshot
}

// suggest asks the LLM for root causes and 3-5 fixes; results are cached per
// pattern so later similar errors reuse them.
func (e *ErrorPatterns) suggest(ctx context.Context, p *Pattern) {
	if fixes, ok := e.cache.Get(p.ID); ok {
		e.mu.Lock()
		p.Fixes = fixes
		e.mu.Unlock()
		return
	}
	e.mu.RLock()
	restored := append([]string(nil), p.Fixes...)
	e.mu.RUnlock()
	if len(restored) > 0 {
		// Loaded from disk with suggestions already attached; re-seed the
		// cache instead of calling out again.
		e.cache.Add(p.ID, restored)
		return
	}
	prompt := "Repeated errors of category " + string(p.Category) + ":\n\n" +
		clip(p.Exemplar, 600) +
		"\n\nRespond with JSON: {\"root_causes\": [..], \"fixes\": [3 to 5 items], \"prevention\": [..]}"
	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages: []types.Turn{
			{Role: types.RoleSystem, Content: "You diagnose recurring software errors. Respond with JSON only."},
			{Role: types.RoleUser, Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   600,
	})
	if err != nil {
		e.logger.Warn("fix suggestion call failed: %v", err)
		return
	}
	repaired, err := jsonrepair.JSONRepair(resp.Content)
	if err != nil {
		repaired = resp.Content
	}
	var parsed struct {
		RootCauses []string `json:"root_causes"`
		Fixes      []string `json:"fixes"`
		Prevention []string `json:"prevention"`
	}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		e.logger.Warn("fix suggestion parse failed: %v", err)
		return
	}
	e.mu.Lock()
	p.RootCauses = parsed.RootCauses
	p.Fixes = parsed.Fixes
	p.Prevention = parsed.Prevention
	e.mu.Unlock()
	e.cache.Add(p.ID, parsed.Fixes)
}

// Patterns returns promoted patterns only.
func (e *ErrorPatterns) Patterns() []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Pattern
	for _, p := range e.patterns {
		if p.Promoted() {
			out = append(out, *p)
		}
	}
	return out
}

// Records returns a snapshot of all error records.
func (e *ErrorPatterns) Records() []ErrorRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ErrorRecord(nil), e.records...)
}

func (e *ErrorPatterns) restore(records []ErrorRecord, patterns []Pattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, records...)
	for i := range patterns {
		p := patterns[i]
		e.patterns = append(e.patterns, &p)
	}
}
