// TagSentry - BLE Tracker Detection and Location Correlation
// Copyright 2026 TagSentry Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tagsentry/tagsentry

// Package metrics provides Prometheus instrumentation for the ingest
// pipeline, identity resolution, detection passes and alert delivery.
// All collectors register on the default registry and are served via
// promhttp on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_ingest_batches_total",
			Help: "Total scan batches received, by transport and outcome",
		},
		[]string{"transport", "outcome"}, // transport: mqtt|http, outcome: accepted|rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagsentry_ingest_batch_size",
			Help:    "Advertisements per accepted scan batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9), // 1 .. 256
		},
	)

	IngestAdvertisementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_ingest_advertisements_total",
			Help: "Total advertisements processed, by outcome",
		},
		[]string{"outcome"}, // processed|failed
	)

	// Identity metrics
	DevicesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsentry_devices_created_total",
			Help: "Total canonical devices created",
		},
	)

	DevicesLinkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_devices_linked_total",
			Help: "Total MAC rotations linked to existing devices, by strength",
		},
		[]string{"strength"}, // STRONG|WEAK
	)

	// Detection metrics
	DetectionPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_detection_passes_total",
			Help: "Total detection passes, by outcome",
		},
		[]string{"outcome"}, // completed|failed
	)

	DetectionPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagsentry_detection_pass_duration_seconds",
			Help:    "Duration of detection passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DetectionCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagsentry_detection_candidates",
			Help:    "Candidate devices evaluated per detection pass",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	DetectionFlagged = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagsentry_detection_flagged",
			Help:    "Devices flagged per detection pass",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	// Alert metrics
	AlertsGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_alerts_generated_total",
			Help: "Total alerts generated, by severity",
		},
		[]string{"severity"},
	)

	AlertsThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagsentry_alerts_throttled_total",
			Help: "Total alerts suppressed by the throttle window",
		},
	)

	NotifierDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_notifier_deliveries_total",
			Help: "Total alert deliveries, by notifier and outcome",
		},
		[]string{"notifier", "outcome"}, // outcome: ok|error
	)

	// HTTP API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_api_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagsentry_api_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// MQTT metrics
	MQTTMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagsentry_mqtt_messages_total",
			Help: "Total MQTT messages received, by outcome",
		},
		[]string{"outcome"}, // processed|malformed|rate_limited|rejected
	)
)

// RecordIngestBatch records one accepted batch and its per-advertisement
// outcomes.
func RecordIngestBatch(transport string, advertisements, failed int) {
	IngestBatchesTotal.WithLabelValues(transport, "accepted").Inc()
	IngestBatchSize.Observe(float64(advertisements))
	if processed := advertisements - failed; processed > 0 {
		IngestAdvertisementsTotal.WithLabelValues("processed").Add(float64(processed))
	}
	if failed > 0 {
		IngestAdvertisementsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordIngestRejection records one rejected batch.
func RecordIngestRejection(transport string) {
	IngestBatchesTotal.WithLabelValues(transport, "rejected").Inc()
}

// RecordDeviceCreated records one new canonical device.
func RecordDeviceCreated() {
	DevicesCreatedTotal.Inc()
}

// RecordDeviceLinked records one detected MAC rotation.
func RecordDeviceLinked(strength string) {
	DevicesLinkedTotal.WithLabelValues(strength).Inc()
}

// RecordDetectionPass records the outcome of one detection pass.
func RecordDetectionPass(duration time.Duration, candidates, flagged int, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	DetectionPassesTotal.WithLabelValues(outcome).Inc()
	DetectionPassDuration.Observe(duration.Seconds())
	if err == nil {
		DetectionCandidates.Observe(float64(candidates))
		DetectionFlagged.Observe(float64(flagged))
	}
}

// RecordAlert records one generated alert.
func RecordAlert(severity string) {
	AlertsGeneratedTotal.WithLabelValues(severity).Inc()
}

// RecordAlertThrottled records one alert suppressed by deduplication.
func RecordAlertThrottled() {
	AlertsThrottledTotal.Inc()
}

// RecordNotifierDelivery records one delivery attempt.
func RecordNotifierDelivery(notifier string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	NotifierDeliveriesTotal.WithLabelValues(notifier, outcome).Inc()
}

// RecordAPIRequest records one HTTP request. The path should be the chi
// route pattern, not the raw URL, to keep cardinality bounded.
func RecordAPIRequest(method, path string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMQTTMessage records one inbound MQTT message.
func RecordMQTTMessage(outcome string) {
	MQTTMessagesTotal.WithLabelValues(outcome).Inc()
}
