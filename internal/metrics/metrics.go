// Package metrics defines the Prometheus collectors shared across
// components. One registry, one namespace, per-component subsystems,
// served on each component's debug port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this core registers, kept separate
// from prometheus.DefaultRegisterer so tests can build a throwaway
// registry per case.
var Registry = prometheus.NewRegistry()

var (
	// EventsForwarded counts ledger events the outbox has published to
	// the bus.
	EventsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifestream",
		Subsystem: "outbox",
		Name:      "events_forwarded_total",
		Help:      "Total number of ledger events forwarded to the bus.",
	})

	// WorkEmitted counts work commands the router has produced, by
	// work type.
	WorkEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifestream",
		Subsystem: "router",
		Name:      "work_emitted_total",
		Help:      "Total number of work commands emitted, by work type.",
	}, []string{"work_type"})

	// WorkRetries counts work.failed facts that were retried rather
	// than dead-lettered.
	WorkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifestream",
		Subsystem: "router",
		Name:      "work_retries_total",
		Help:      "Total number of work commands retried after a failure.",
	})

	// DeadLetters counts work commands that exhausted their retry
	// budget.
	DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lifestream",
		Subsystem: "router",
		Name:      "dead_letters_total",
		Help:      "Total number of work commands dead-lettered.",
	})

	// ProjectionWrites counts materializer transactions, by event type
	// and outcome.
	ProjectionWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifestream",
		Subsystem: "materializer",
		Name:      "projection_writes_total",
		Help:      "Total number of projection writes, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// TransactionDuration measures the materializer's per-message
	// transaction latency.
	TransactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lifestream",
		Subsystem: "materializer",
		Name:      "transaction_duration_seconds",
		Help:      "Duration of the materializer's per-message apply transaction.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// StageDuration measures worker stage execution latency, by agent.
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lifestream",
		Subsystem: "worker",
		Name:      "stage_duration_seconds",
		Help:      "Duration of a worker stage call, by agent name.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"agent"})
)

func init() {
	Registry.MustRegister(EventsForwarded, WorkEmitted, WorkRetries, DeadLetters,
		ProjectionWrites, TransactionDuration, StageDuration)
}

// Handler returns the /metrics HTTP handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
