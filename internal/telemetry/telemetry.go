// Package telemetry exposes the pipeline's prometheus instruments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters the pipeline reports on /metrics.
type Metrics struct {
	RunsStarted      prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	TasksCompleted   prometheus.Counter
	TasksFailed      prometheus.Counter
	EvaluatorRetries prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	TaskDuration     prometheus.Histogram
}

// New registers the pipeline metrics on reg (or a private registry when nil,
// which tests use).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_runs_started_total",
			Help: "Assessment runs accepted for processing.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veridoc_runs_finished_total",
			Help: "Assessment runs reaching a terminal status.",
		}, []string{"status"}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_tasks_completed_total",
			Help: "Evaluation tasks that produced a criterion result.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_tasks_failed_total",
			Help: "Evaluation tasks that hit a terminal error.",
		}),
		EvaluatorRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_evaluator_retries_total",
			Help: "Transient reasoning-service failures that were retried.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_extraction_cache_hits_total",
			Help: "Extraction cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "veridoc_extraction_cache_misses_total",
			Help: "Extraction cache misses.",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "veridoc_task_duration_seconds",
			Help:    "Wall-clock duration of evaluation tasks.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}
