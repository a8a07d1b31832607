package learning

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// recommendation thresholds.
const (
	perfMinSamples       = 5
	perfLowSuccessRate   = 0.7
	perfHighErrorRate    = 0.3
	perfSlowDuration     = 5 * time.Minute
	perfManyIterations   = 50
	perfLowSuccessPrio   = 8
	perfHighErrorPrio    = 6
	perfSlowPrio         = 4
	perfIterationsPrio   = 3
	recommendationWindow = 100
)

// Metrics is the rolling view for one (agent, category) pair.
type Metrics struct {
	Agent          string        `json:"agent"`
	Category       string        `json:"category"`
	Samples        int           `json:"samples"`
	MeanDuration   time.Duration `json:"mean_duration_ms"`
	MeanIterations float64       `json:"mean_iterations"`
	SuccessRate    float64       `json:"success_rate"`
	ErrorRate      float64       `json:"error_rate"`
}

// Recommendation is one prioritized performance finding.
type Recommendation struct {
	Agent    string `json:"agent"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
	Message  string `json:"message"`
}

type perfSample struct {
	duration   time.Duration
	iterations int
	success    bool
	errored    bool
}

// Observation is one persisted performance sample.
type Observation struct {
	Agent      string        `json:"agent"`
	Category   string        `json:"category"`
	Duration   time.Duration `json:"duration_ms"`
	Iterations int           `json:"iterations"`
	Success    bool          `json:"success"`
	Errored    bool          `json:"errored"`
}

// Performance keeps rolling per (agent, task-category) metrics and produces
// prioritized recommendations once sample sizes are meaningful.
type Performance struct {
	mu      sync.RWMutex
	samples map[string][]perfSample
}

// NewPerformance builds an empty optimizer.
func NewPerformance() *Performance {
	return &Performance{samples: make(map[string][]perfSample)}
}

func perfKey(agent, category string) string { return agent + "\x00" + category }

// Observe records one completed execution.
func (p *Performance) Observe(agent, category string, duration time.Duration, iterations int, success bool, errorCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := perfKey(agent, category)
	window := append(p.samples[key], perfSample{
		duration:   duration,
		iterations: iterations,
		success:    success,
		errored:    errorCount > 0,
	})
	if len(window) > recommendationWindow {
		window = window[len(window)-recommendationWindow:]
	}
	p.samples[key] = window
}

// MetricsFor returns the rolling metrics for one pair.
func (p *Performance) MetricsFor(agent, category string) (Metrics, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	window, ok := p.samples[perfKey(agent, category)]
	if !ok || len(window) == 0 {
		return Metrics{}, false
	}
	return computeMetrics(agent, category, window), true
}

func computeMetrics(agent, category string, window []perfSample) Metrics {
	var dur time.Duration
	var iters, successes, errors int
	for _, s := range window {
		dur += s.duration
		iters += s.iterations
		if s.success {
			successes++
		}
		if s.errored {
			errors++
		}
	}
	n := len(window)
	return Metrics{
		Agent:          agent,
		Category:       category,
		Samples:        n,
		MeanDuration:   dur / time.Duration(n),
		MeanIterations: float64(iters) / float64(n),
		SuccessRate:    float64(successes) / float64(n),
		ErrorRate:      float64(errors) / float64(n),
	}
}

// Recommend returns ordered recommendations for an agent, filtered to
// priority >= minPriority. Pairs with fewer than 5 samples are skipped.
func (p *Performance) Recommend(agent string, minPriority int) []Recommendation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Recommendation
	for key, window := range p.samples {
		a, category := splitPerfKey(key)
		if a != agent || len(window) < perfMinSamples {
			continue
		}
		m := computeMetrics(a, category, window)
		if m.SuccessRate < perfLowSuccessRate {
			out = append(out, Recommendation{
				Agent: agent, Category: category, Priority: perfLowSuccessPrio,
				Message: fmt.Sprintf("investigate failures: success rate %.2f over %d runs", m.SuccessRate, m.Samples),
			})
		}
		if m.ErrorRate > perfHighErrorRate {
			out = append(out, Recommendation{
				Agent: agent, Category: category, Priority: perfHighErrorPrio,
				Message: fmt.Sprintf("reduce error rate: %.2f of runs recorded errors", m.ErrorRate),
			})
		}
		if m.MeanDuration > perfSlowDuration {
			out = append(out, Recommendation{
				Agent: agent, Category: category, Priority: perfSlowPrio,
				Message: fmt.Sprintf("mean duration %s exceeds budget", m.MeanDuration.Round(time.Second)),
			})
		}
		if m.MeanIterations > perfManyIterations {
			out = append(out, Recommendation{
				Agent: agent, Category: category, Priority: perfIterationsPrio,
				Message: fmt.Sprintf("mean iterations %.1f is high; consider decomposition", m.MeanIterations),
			})
		}
	}
	filtered := out[:0]
	for _, r := range out {
		if r.Priority >= minPriority {
			filtered = append(filtered, r)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Priority > filtered[j].Priority })
	return filtered
}

// Observations returns every rolling-window sample, ordered by (agent,
// category) then insertion.
func (p *Performance) Observations() []Observation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.samples))
	for key := range p.samples {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []Observation
	for _, key := range keys {
		agent, category := splitPerfKey(key)
		for _, s := range p.samples[key] {
			out = append(out, Observation{
				Agent:      agent,
				Category:   category,
				Duration:   s.duration,
				Iterations: s.iterations,
				Success:    s.success,
				Errored:    s.errored,
			})
		}
	}
	return out
}

func (p *Performance) restore(obs []Observation) {
	for _, o := range obs {
		p.Observe(o.Agent, o.Category, o.Duration, o.Iterations, o.Success, boolToErrors(o.Errored))
	}
}

func boolToErrors(errored bool) int {
	if errored {
		return 1
	}
	return 0
}

func splitPerfKey(key string) (agent, category string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '\x00' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
