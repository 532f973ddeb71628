// Package metrics provides the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "substrate"

var (
	// ObservationsTotal counts stored observations.
	// Labels: category, origin (local, peer)
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observations",
			Name:      "total",
			Help:      "Total number of observations stored, by category and origin",
		},
		[]string{"category", "origin"},
	)

	// PromotionsTotal counts status transitions made by the promoter.
	// Labels: status (confirmed, contradicted, stale), mode (auto, manual)
	PromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confirmation",
			Name:      "transitions_total",
			Help:      "Total number of observation status transitions",
		},
		[]string{"status", "mode"},
	)

	// ContradictionsTotal counts observations demoted by contradiction detection.
	ContradictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confirmation",
			Name:      "contradictions_total",
			Help:      "Total number of prior observations demoted to contradicted",
		},
	)

	// FuzzyMatchesTotal counts near-duplicate matches found by similarity search.
	FuzzyMatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "confirmation",
			Name:      "fuzzy_matches_total",
			Help:      "Total number of fuzzy matches at or above the similarity threshold",
		},
	)

	// DegradedTotal counts vector-index operations that degraded.
	// Labels: op (upsert, search, update_payload, delete, collection_stats)
	DegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vectorindex",
			Name:      "degraded_total",
			Help:      "Total number of vector index operations that degraded instead of succeeding",
		},
		[]string{"op"},
	)

	// SyncCycleDuration tracks how long a full sync cycle takes.
	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// BatchesExportedTotal counts outbox batches written.
	// Labels: trigger (cycle, urgent)
	BatchesExportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batches_exported_total",
			Help:      "Total number of batches written to the outbox",
		},
		[]string{"trigger"},
	)

	// ObservationsImportedTotal counts observations imported from peers.
	// Labels: peer
	ObservationsImportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "observations_imported_total",
			Help:      "Total number of new observations imported from peer batches",
		},
		[]string{"peer"},
	)

	// PeerSyncErrorsTotal counts failed peer syncs.
	// Labels: peer
	PeerSyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "peer_errors_total",
			Help:      "Total number of peer syncs that failed",
		},
		[]string{"peer"},
	)

	// UrgentQueueSize is the number of urgent observations awaiting flush.
	UrgentQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "urgent_queue_size",
			Help:      "Number of urgent observations waiting for the next flush",
		},
	)
)

// RecordDegraded counts a degraded vector-index operation.
func RecordDegraded(op string) {
	DegradedTotal.WithLabelValues(op).Inc()
}
