package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		usersRegisteredTotal,
		notificationsTotal,
		rateLimitTriggeredTotal,
	)
}

var (
	usersRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "users_registered_total",
			Help: "Total number of new users registered.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telegram_notifications_total",
			Help: "Telegram notifications by delivery status.",
		},
		[]string{"status"}, // 'sent', 'error', 'no_chat'
	)

	rateLimitTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "api_rate_limit_triggered_total",
			Help: "Total number of times users have been rate-limited.",
		},
	)
)

func IncUsersRegistered() {
	usersRegisteredTotal.Inc()
}

func IncNotification(status string) {
	notificationsTotal.WithLabelValues(norm(status)).Inc()
}

func IncRateLimitTriggered() {
	rateLimitTriggeredTotal.Inc()
}
