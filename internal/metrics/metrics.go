// Clinsight - Therapy Session Insight Pipeline
// Copyright 2026 M. Preiss (mpreiss)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mpreiss/clinsight

// Package metrics provides Prometheus instrumentation for the
// pipeline: stage processing outcomes, event bus throughput, insight
// cache efficiency, lifecycle store queries, and the ingestion edge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stage Processing Metrics
	StageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_processing_duration_seconds",
			Help:    "Duration of stage message processing in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	StageProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_processed_total",
			Help: "Total number of messages processed per stage and outcome",
		},
		[]string{"stage", "outcome"}, // "success", "skipped", "retryable", "permanent"
	)

	StagePoisonedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_poisoned_total",
			Help: "Total number of messages dead-lettered per stage and category",
		},
		[]string{"stage", "category"},
	)

	// Event Bus Metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published to the session bus",
		},
		[]string{"topic"},
	)

	EventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of events consumed from the session bus",
		},
		[]string{"topic"},
	)

	// Insight Cache Metrics
	InsightCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_cache_hits_total",
			Help: "Total number of insight cache hits (analysis skipped)",
		},
	)

	InsightCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_cache_misses_total",
			Help: "Total number of insight cache misses (analysis performed)",
		},
	)

	InsightCacheWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_cache_write_errors_total",
			Help: "Total number of non-fatal insight cache write failures",
		},
	)

	// Lifecycle Store Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	DBStateConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_state_conflicts_total",
			Help: "Total number of rejected lifecycle transitions",
		},
		[]string{"target_status"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Total number of session video uploads",
		},
		[]string{"outcome"}, // "accepted", "rejected", "failed"
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upload_bytes",
			Help:    "Size of uploaded session videos in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		},
	)

	// Collaborator Metrics
	CollaboratorCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collaborator_call_duration_seconds",
			Help:    "Duration of external collaborator calls in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"collaborator"}, // "audio", "transcriber", "analyzer"
	)

	CollaboratorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collaborator_errors_total",
			Help: "Total number of collaborator call failures",
		},
		[]string{"collaborator", "kind"}, // kind: "transient", "permanent"
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordStageOutcome records one processed message for a stage.
func RecordStageOutcome(stage, outcome string, duration time.Duration) {
	StageProcessedTotal.WithLabelValues(stage, outcome).Inc()
	StageProcessingDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStagePoisoned records a message dead-lettered by a stage.
func RecordStagePoisoned(stage, category string) {
	StagePoisonedTotal.WithLabelValues(stage, category).Inc()
}

// RecordEventPublished records an event published to the bus.
func RecordEventPublished(topic string) {
	EventsPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordEventConsumed records an event consumed from the bus.
func RecordEventConsumed(topic string) {
	EventsConsumedTotal.WithLabelValues(topic).Inc()
}

// RecordCacheHit records an insight cache hit.
func RecordCacheHit() {
	InsightCacheHits.Inc()
}

// RecordCacheMiss records an insight cache miss.
func RecordCacheMiss() {
	InsightCacheMisses.Inc()
}

// RecordCacheWriteError records a non-fatal cache write failure.
func RecordCacheWriteError() {
	InsightCacheWriteErrors.Inc()
}

// RecordDBQuery records a lifecycle store query.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordStateConflict records a rejected lifecycle transition.
func RecordStateConflict(targetStatus string) {
	DBStateConflicts.WithLabelValues(targetStatus).Inc()
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordUpload records an upload attempt and its size.
func RecordUpload(outcome string, sizeBytes int64) {
	UploadsTotal.WithLabelValues(outcome).Inc()
	if sizeBytes > 0 {
		UploadBytes.Observe(float64(sizeBytes))
	}
}

// RecordCircuitBreakerTransition records a breaker state change and
// updates the state gauge. State strings follow gobreaker's State.String.
func RecordCircuitBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()

	var state float64
	switch to {
	case "half-open":
		state = 1
	case "open":
		state = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordCollaboratorCall records an external collaborator call.
func RecordCollaboratorCall(collaborator string, duration time.Duration, err error, transient bool) {
	CollaboratorCallDuration.WithLabelValues(collaborator).Observe(duration.Seconds())
	if err != nil {
		kind := "permanent"
		if transient {
			kind = "transient"
		}
		CollaboratorErrors.WithLabelValues(collaborator, kind).Inc()
	}
}
