// Package metrics exposes Prometheus instruments for the session pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transitions counts applied session transitions by edge.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "garmax",
		Name:      "session_transitions_total",
		Help:      "Session status transitions applied.",
	}, []string{"from", "to"})

	// ReservationsRejected counts sessions refused for lack of funds.
	ReservationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "garmax",
		Name:      "reservations_rejected_total",
		Help:      "Credit reservations rejected for insufficient funds.",
	})

	// Refunds counts refund attempts by outcome (applied, duplicate, failed).
	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "garmax",
		Name:      "refunds_total",
		Help:      "Refund attempts by outcome.",
	}, []string{"outcome"})

	// ReconciliationQueued counts compensations parked for a retry.
	ReconciliationQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "garmax",
		Name:      "reconciliation_entries_total",
		Help:      "Failed compensating actions queued for reconciliation.",
	})

	// HandoffFailures counts stage triggers that could not be delivered.
	HandoffFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "garmax",
		Name:      "stage_handoff_failures_total",
		Help:      "Next-stage handoffs that failed after retries.",
	}, []string{"sink"})

	// WebhookDeliveries counts webhook attempts by result (delivered, dead_letter,
	// dropped when the queue was full).
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "garmax",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	// StuckSessions is the number of sessions the last sweep found overdue.
	StuckSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "garmax",
		Name:      "stuck_sessions",
		Help:      "Sessions found past the operational timeout during the last sweep.",
	}, []string{"status"})

	// PendingConfirmations is the number of armed confirmation timers.
	PendingConfirmations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "garmax",
		Name:      "pending_confirmations",
		Help:      "Confirmation countdowns currently armed on this instance.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
