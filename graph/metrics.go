package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "agentflow"

// Metrics holds the engine's Prometheus instruments. Register one Metrics
// per process and share it across engines.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsFailed    prometheus.Counter
	RunsCancelled prometheus.Counter

	// NodeDuration observes node wall time in seconds, labeled by workflow
	// and node id.
	NodeDuration *prometheus.HistogramVec

	// Tokens counts tokens by direction ("input"/"output").
	Tokens *prometheus.CounterVec

	// CostUSD accumulates spend across all runs.
	CostUSD prometheus.Counter
}

// NewMetrics registers the engine instruments with the given registerer.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs started.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_completed_total",
			Help:      "Workflow runs that completed successfully.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_failed_total",
			Help:      "Workflow runs that terminated with an error.",
		}),
		RunsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_cancelled_total",
			Help:      "Workflow runs cancelled before completion.",
		}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "node"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		CostUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "llm_cost_usd_total",
			Help:      "Accumulated LLM spend in USD.",
		}),
	}
}
