// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medledger"

var (
	// Projections counts event-log projections.
	Projections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "projections_total",
		Help:      "Event-log projections computed.",
	})

	// BlobFetchFailures counts profile blobs that could not be fetched and fell back to on-chain fields.
	BlobFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_fetch_failures_total",
		Help:      "Profile blob fetches that failed.",
	})

	// RecordFetchFailures counts users(address) calls that failed during a listing.
	RecordFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_fetch_failures_total",
		Help:      "Per-address ledger record reads that failed and were omitted.",
	})

	// ListingDuration observes directory listing latency.
	ListingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "listing_duration_seconds",
		Help:      "Time to build a directory listing.",
		Buckets:   prometheus.DefBuckets,
	})

	// IndexedEvents counts events appended to the index, by kind.
	IndexedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexed_events_total",
		Help:      "Ledger events appended to the index.",
	}, []string{"kind"})

	// IndexedBlock is the indexer checkpoint.
	IndexedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "indexed_block",
		Help:      "Highest block covered by the event index.",
	})

	// Logins counts wallet logins by result.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Wallet login attempts.",
	}, []string{"result"})
)
