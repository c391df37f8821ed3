package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssessmentsTotal counts assessments by assessment type and final state.
	AssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessd_assessments_total",
			Help: "Total number of assessments by type and terminal state",
		},
		[]string{"assessment_type", "state"},
	)

	// ProcessingDuration tracks how long an assessment spends in processing.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assessd_processing_duration_seconds",
			Help:    "Duration of assessment processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"assessment_type"},
	)

	// ProcessingActive tracks the number of in-flight processing operations.
	ProcessingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assessd_processing_active",
			Help: "Number of assessments currently being processed",
		},
	)

	// EvaluatorRetries counts internal retries against the compliance evaluator.
	EvaluatorRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assessd_evaluator_retries_total",
			Help: "Total number of retried compliance evaluator calls",
		},
	)

	// VersionConflicts counts optimistic-lock rejections.
	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assessd_version_conflicts_total",
			Help: "Total number of optimistic-locking version conflicts",
		},
	)

	// RequestsRejected counts requests rejected before reaching the store.
	RequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessd_requests_rejected_total",
			Help: "Total number of rejected requests by reason",
		},
		[]string{"reason"},
	)
)
