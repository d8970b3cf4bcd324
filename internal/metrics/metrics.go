// Package metrics exposes Prometheus counters for the alert lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alerts_created_total",
			Help: "Total number of alerts created by type and source",
		},
		[]string{"type", "source"},
	)

	AlertsDedupedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alerts_deduped_total",
			Help: "Total number of alert creations skipped by the dedupe check",
		},
		[]string{"type"},
	)

	AlertsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_alerts_accepted_total",
			Help: "Total number of alerts accepted by a volunteer",
		},
	)

	AcceptConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_accept_conflicts_total",
			Help: "Total number of accept attempts that lost the race",
		},
	)

	AlertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
	)

	AlertsCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_alerts_cancelled_total",
			Help: "Total number of alerts cancelled by reason",
		},
		[]string{"reason"}, // admin, retry_exhausted
	)

	RetryBroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_retry_broadcasts_total",
			Help: "Total number of escalating retry broadcasts",
		},
	)

	PushClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_push_clients",
			Help: "Number of connected push clients",
		},
	)
)

// RecordAlertCreated records a successful alert creation.
func RecordAlertCreated(alertType, source string) {
	AlertsCreatedTotal.WithLabelValues(alertType, source).Inc()
}

// RecordAlertDeduped records a creation skipped by dedupe.
func RecordAlertDeduped(alertType string) {
	AlertsDedupedTotal.WithLabelValues(alertType).Inc()
}

// RecordAlertCancelled records a cancellation with its reason.
func RecordAlertCancelled(reason string) {
	AlertsCancelledTotal.WithLabelValues(reason).Inc()
}

// SetPushClients updates the connected-clients gauge.
func SetPushClients(count int) {
	PushClients.Set(float64(count))
}
