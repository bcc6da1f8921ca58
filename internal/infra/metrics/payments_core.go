package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		gatewayCallsTotal,
		gatewayCallDuration,
		paymentsRevenueTotal,
	)
}

var (
	// op: create_customer|create_intent|retrieve_intent|refund|create_subscription|...
	// result: ok|error|unavailable
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_calls_total",
			Help: "Calls to the payment processor by operation and result.",
		},
		[]string{"op", "result"},
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_call_duration_seconds",
			Help:    "Latency of payment processor calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_revenue_total",
			Help: "The total monetary value of completed purchases, labeled by currency.",
		},
		[]string{"currency"},
	)
)

func ObserveGatewayCall(op, result string, d time.Duration) {
	gatewayCallsTotal.WithLabelValues(norm(op), norm(result)).Inc()
	gatewayCallDuration.WithLabelValues(norm(op)).Observe(d.Seconds())
}

func AddPaymentRevenue(currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}
