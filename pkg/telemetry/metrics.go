package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bilimon",
		Subsystem: "collector",
		Name:      "collections_total",
		Help:      "Collection attempts, labelled by task kind and outcome.",
	}, []string{"kind", "outcome"})

	CollectionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bilimon",
		Subsystem: "collector",
		Name:      "collections_inflight",
		Help:      "Collections currently being executed.",
	})

	CollectionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bilimon",
		Subsystem: "collector",
		Name:      "collection_duration_seconds",
		Help:      "End-to-end collection time including rate-limiter wait.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bilimon",
		Subsystem: "collector",
		Name:      "transitions_total",
		Help:      "Task lifecycle transitions, labelled by the new status.",
	}, []string{"to"})

	DueBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bilimon",
		Subsystem: "collector",
		Name:      "due_batch_size",
		Help:      "Number of due tasks claimed per tick.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	ClaimReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bilimon",
		Subsystem: "collector",
		Name:      "claim_releases_total",
		Help:      "Claims released after a processing failure so the task retries next tick.",
	})

	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bilimon",
		Subsystem: "bili",
		Name:      "upstream_requests_total",
		Help:      "Requests sent to the Bilibili API, labelled by endpoint and status class.",
	}, []string{"endpoint", "status"})
)
