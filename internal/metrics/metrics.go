// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntriesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "entries_posted_total",
		Help:      "Ledger entries written, by source type.",
	}, []string{"source_type"})

	DuplicateOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "duplicate_operations_total",
		Help:      "Operations short-circuited by an already committed idempotency key.",
	}, []string{"operation"})

	PostDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tipledger",
		Name:      "operation_duration_seconds",
		Help:      "Time spent inside one guarded posting unit.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "allocations_total",
		Help:      "Payment allocations by outcome.",
	}, []string{"outcome"})

	Reversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "reversals_total",
		Help:      "Reversals by policy and outcome.",
	}, []string{"policy", "outcome"})

	DebtReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "debt_reclaimed_minor_units_total",
		Help:      "Amount diverted from credits into debt reclaim.",
	})

	IntegrityDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "integrity_drift_total",
		Help:      "Ledgers found with a stored balance different from their entry sum.",
	}, []string{"corrected"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "events_processed_total",
		Help:      "Inbound events by type and result.",
	}, []string{"type", "result"})

	ConsumerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tipledger",
		Name:      "consumer_reconnects_total",
		Help:      "Times the RabbitMQ connection was lost and dialed again.",
	})
)

// Operation label values are the leading segment of an idempotency key, e.g.
// "payment" for "payment:123:allocate".
func OperationLabel(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
