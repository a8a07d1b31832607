// Package observability exposes the process Prometheus metrics. Collectors
// are process-global and registered once; the server mounts the scrape
// endpoint.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksStarted counts tasks accepted by the session manager.
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "argo",
		Name:      "tasks_started_total",
		Help:      "Tasks accepted for execution.",
	})

	// TasksFinished counts terminal task outcomes by status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argo",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal status.",
	}, []string{"status"})

	// TaskIterations observes iterations consumed per finished task.
	TaskIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "argo",
		Name:      "task_iterations",
		Help:      "Iterations consumed per finished task.",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
	})

	// TaskDuration observes wall-clock seconds per finished task.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "argo",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration per finished task.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// LLMCalls counts completion calls by result.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Completion calls by result.",
	}, []string{"result"})

	// LLMTokens counts provider-reported tokens by direction.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Provider-reported token usage.",
	}, []string{"direction"})

	// Actions counts dispatched actions by tool and success.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argo",
		Name:      "actions_total",
		Help:      "Dispatched actions by tool and success.",
	}, []string{"tool", "success"})

	// ActionRejections counts rejected actions by reason.
	ActionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "argo",
		Name:      "action_rejections_total",
		Help:      "Rejected actions by reason.",
	}, []string{"reason"})

	// EventSubscribers gauges attached stream subscribers.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "argo",
		Name:      "event_subscribers",
		Help:      "Currently attached event-stream subscribers.",
	})
)

// Handler returns the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
