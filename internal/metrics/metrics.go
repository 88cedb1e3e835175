// Package metrics exposes Prometheus counters for the billing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	UpgradesInitiated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_upgrades_initiated_total",
			Help: "Upgrade transactions initiated, by payment method and result.",
		},
		[]string{"payment_method", "result"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events received, by gateway and outcome.",
		},
		[]string{"gateway", "outcome"},
	)

	SignatureRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_signature_rejections_total",
			Help: "Webhook deliveries rejected for an invalid signature.",
		},
		[]string{"gateway"},
	)

	UpgradesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_upgrades_completed_total",
			Help: "Upgrade transactions reaching completed, by gateway and target tier.",
		},
		[]string{"gateway", "target_tier"},
	)

	UpgradesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_upgrades_failed_total",
			Help: "Upgrade transactions reaching failed, by gateway and error code.",
		},
		[]string{"gateway", "error_code"},
	)

	SweepResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_results_total",
			Help: "Stuck-transaction sweep resolutions, by result.",
		},
		[]string{"result"},
	)

	TierMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_tier_mismatches_total",
			Help: "Completed transactions found with a mismatched profile tier.",
		},
	)
)

// Register installs all billing collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		UpgradesInitiated,
		WebhookEvents,
		SignatureRejections,
		UpgradesCompleted,
		UpgradesFailed,
		SweepResults,
		TierMismatches,
	)
}
