// Package metrics declares the Prometheus collectors shared by both binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PaymentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ourpay_payments_created_total",
		Help: "Payments created.",
	})
	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ourpay_payment_transitions_total",
		Help: "Payment status transitions by target status and trigger.",
	}, []string{"status", "trigger"})
	SettlementRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ourpay_settlement_rejections_total",
		Help: "Confirmations rejected, by reason.",
	}, []string{"reason"})
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ourpay_idempotent_replays_total",
		Help: "Confirmations answered from the idempotency cache.",
	})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ourpay_outbox_published_total",
		Help: "Outbox rows published to the broker, by pass (poll or sweep).",
	}, []string{"pass"})
	OutboxPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ourpay_outbox_publish_errors_total",
		Help: "Outbox publish failures.",
	})

	WebhookEventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ourpay_webhook_events_processed_total",
		Help: "Events whose dispatch cycle completed.",
	})
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ourpay_webhook_attempts_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})
	WebhookLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ourpay_webhook_attempt_duration_seconds",
		Help:    "Webhook delivery attempt latency.",
		Buckets: prometheus.DefBuckets,
	})
	WebhookExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ourpay_webhook_exhausted_total",
		Help: "Deliveries that ended after exhausting retries.",
	})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ourpay_admission_rejections_total",
		Help: "Requests rejected by admission control, by gate.",
	}, []string{"gate"})
	AdmissionInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ourpay_admission_in_flight",
		Help: "Requests currently holding a global slot.",
	})
	AdmissionFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ourpay_admission_fail_open_total",
		Help: "Counter store errors that admitted the request anyway.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
