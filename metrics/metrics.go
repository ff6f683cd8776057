// Package metrics groups the Prometheus instruments for the memory subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all instruments. A nil *Metrics is valid everywhere it is
// accepted; recording on it is a no-op.
type Metrics struct {
	Retrievals        *prometheus.CounterVec
	ConsolidationRuns *prometheus.CounterVec
	TurnsPersisted    prometheus.Counter
	TopicsWritten     prometheus.Counter
}

// New registers instruments under the given namespace on the default
// registerer. Call at most once per process.
func New(namespace string) *Metrics {
	return &Metrics{
		Retrievals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_retrievals_total",
			Help:      "Memory retrieval attempts by outcome.",
		}, []string{"outcome"}),
		ConsolidationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by result.",
		}, []string{"result"}),
		TurnsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_persisted_total",
			Help:      "Chat turns flushed to the conversation store.",
		}),
		TopicsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_topics_written_total",
			Help:      "Topic records written by consolidation.",
		}),
	}
}

// ObserveRetrieval records one retrieval outcome.
func (m *Metrics) ObserveRetrieval(outcome string) {
	if m == nil {
		return
	}
	m.Retrievals.WithLabelValues(outcome).Inc()
}

// ObserveConsolidation records one consolidation run result.
func (m *Metrics) ObserveConsolidation(result string) {
	if m == nil {
		return
	}
	m.ConsolidationRuns.WithLabelValues(result).Inc()
}

// ObservePersisted records a flushed batch size.
func (m *Metrics) ObservePersisted(turns int) {
	if m == nil {
		return
	}
	m.TurnsPersisted.Add(float64(turns))
}

// ObserveTopics records topic records written by one consolidation run.
func (m *Metrics) ObserveTopics(n int) {
	if m == nil {
		return
	}
	m.TopicsWritten.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
