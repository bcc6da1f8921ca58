package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		transitionsTotal,
		webhookEventsTotal,
		webhookDuration,
	)
}

var (
	// entity: purchase|subscription; channel: confirm|webhook|sweep|api
	// result: applied|replay|rejected|error
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_transitions_total",
			Help: "State transitions attempted, by entity, target state, channel and result.",
		},
		[]string{"entity", "to", "channel", "result"},
	)

	// outcome: processed|replay|duplicate|ignored|not_found|rejected|bad_signature|error
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Processor webhook deliveries by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_duration_seconds",
			Help:    "Duration of webhook handling in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)
)

func IncTransition(entity, to, channel, result string) {
	transitionsTotal.WithLabelValues(norm(entity), norm(to), norm(channel), norm(result)).Inc()
}

func IncWebhook(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(norm(eventType), norm(outcome)).Inc()
}

func ObserveWebhook(outcome string, d time.Duration) {
	webhookDuration.WithLabelValues(norm(outcome)).Observe(d.Seconds())
}
