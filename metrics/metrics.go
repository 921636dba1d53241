package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_events_normalized_total",
			Help: "Total number of events normalized",
		},
		[]string{"source"},
	)

	EventsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_events_skipped_total",
			Help: "Total number of malformed events skipped",
		},
		[]string{"reason"},
	)

	ViolationsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_violations_detected_total",
			Help: "Total number of rule violations detected",
		},
		[]string{"rule", "severity"},
	)

	AlertsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_alerts_admitted_total",
			Help: "Total number of violations admitted for alerting",
		},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_alerts_suppressed_total",
			Help: "Total number of duplicate violations suppressed within the dedup window",
		},
	)

	AlertsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_alerts_dispatched_total",
			Help: "Total number of alert channel deliveries by outcome",
		},
		[]string{"channel", "outcome"},
	)

	DispatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_dispatch_retries_total",
			Help: "Total number of delivery retries per channel",
		},
		[]string{"channel"},
	)

	DispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_dispatch_failures_total",
			Help: "Total number of alerts that failed delivery on every channel",
		},
	)

	SweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themis_retention_sweep_actions_total",
			Help: "Total number of retention sweep actions by type",
		},
		[]string{"action"},
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_retention_sweep_errors_total",
			Help: "Total number of per-record errors during retention sweeps",
		},
	)

	EventsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_pipeline_events_discarded_total",
			Help: "Total number of in-flight events discarded at shutdown",
		},
	)

	PipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "themis_pipeline_queue_depth",
			Help: "Current depth of each pipeline stage queue",
		},
		[]string{"stage"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "themis_event_processing_duration_seconds",
			Help:    "Time taken to process an event through each pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	AuditIndexFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "themis_audit_index_failures_total",
			Help: "Total number of failed audit log index operations",
		},
	)
)
