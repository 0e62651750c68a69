// Package metrics holds the Prometheus collectors for the sync pipeline and enrichment runners.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// SyncTicks counts orchestrator invocations by the branch they took.
	SyncTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsync_sync_ticks_total",
			Help: "Total sync orchestrator invocations",
		},
		[]string{"status"}, // waiting, skipped, planned, segment_completed, error
	)

	// SegmentsFinished counts segments by terminal status.
	SegmentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsync_sync_segments_finished_total",
			Help: "Total sync segments that reached a terminal status",
		},
		[]string{"status"},
	)

	// SegmentDuration measures how long one segment takes to fetch and upsert.
	SegmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadsync_sync_segment_duration_seconds",
			Help:    "Segment fetch and upsert duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
		},
	)

	// RecordsFetched counts prospects returned by the upstream API.
	RecordsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leadsync_sync_records_fetched_total",
			Help: "Total prospect records fetched from upstream",
		},
	)

	// RecordsUpserted counts prospects written to the database.
	RecordsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leadsync_sync_records_upserted_total",
			Help: "Total prospect records upserted",
		},
	)

	// RunsFinalized counts runs by final status.
	RunsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsync_sync_runs_finalized_total",
			Help: "Total sync runs finalized",
		},
		[]string{"status"},
	)

	// StaleSegments counts processing segments recovered after exceeding the staleness threshold.
	StaleSegments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsync_sync_stale_segments_total",
			Help: "Total stuck segments released or failed",
		},
		[]string{"action"}, // released, failed
	)

	// EnrichmentLookups counts enrichment lookups per policy and outcome.
	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsync_enrichment_lookups_total",
			Help: "Total enrichment lookups",
		},
		[]string{"policy", "outcome"}, // outcome: updated, no_data, error
	)

	// EnrichmentLookupDuration measures per-record lookup duration.
	EnrichmentLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadsync_enrichment_lookup_duration_seconds",
			Help:    "Enrichment lookup duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy"},
	)
)
