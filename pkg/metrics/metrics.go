package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cube_build_info",
			Help: "Build information of the cube engine",
		},
		[]string{"version", "commit", "date"},
	)

	EntriesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_entries_loaded_total",
			Help: "Total number of entry load attempts",
		},
		[]string{"dataset", "status"},
	)

	EntryLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cube_entry_load_duration_seconds",
			Help:    "Duration of single entry loads",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
		[]string{"dataset"},
	)

	DimensionUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_dimension_upserts_total",
			Help: "Total number of dimension member upserts",
		},
		[]string{"dataset", "dimension", "outcome"},
	)

	AggregateQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_aggregate_queries_total",
			Help: "Total number of aggregate query executions",
		},
		[]string{"dataset", "status"},
	)

	AggregateQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cube_aggregate_query_duration_seconds",
			Help:    "Duration of aggregate queries across all stages",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 0.001s to ~16s
		},
		[]string{"dataset"},
	)

	SchemaOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_schema_operations_total",
			Help: "Total number of schema lifecycle operations (generate, drop, flush)",
		},
		[]string{"dataset", "operation", "status"},
	)
)
