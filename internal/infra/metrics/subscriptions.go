package metrics

import (
	"entitlement-service/internal/domain/model"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		subscriptionsCancelOverdue,
		subscriptionsTotal,
	)
}

var (
	subscriptionsCancelOverdue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_cancel_overdue",
			Help: "Active subscriptions whose scheduled cancel time passed without processor confirmation.",
		},
	)

	subscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscriptions_total",
			Help: "Current number of subscriptions by status.",
		},
		[]string{"status"}, // 'active', 'past_due', 'cancelled', 'expired'
	)
)

func SetSubscriptionsCancelOverdue(count int) {
	subscriptionsCancelOverdue.Set(float64(count))
}

func SetSubscriptionsTotal(counts map[model.SubscriptionStatus]int) {
	statuses := []model.SubscriptionStatus{
		model.SubscriptionStatusActive,
		model.SubscriptionStatusPastDue,
		model.SubscriptionStatusCancelled,
		model.SubscriptionStatusExpired,
	}
	for _, status := range statuses {
		subscriptionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
