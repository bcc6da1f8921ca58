package metrics

import (
	"entitlement-service/internal/domain/model"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(effectsProcessedTotal, outboxTotal, sweepItemsTotal) }

var (
	effectsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "effects_processed_total",
			Help: "Outbox effects handled by the relay, labeled by kind and result.",
		},
		[]string{"kind", "result"}, // result: 'done', 'retry', 'dead'
	)

	outboxTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_effects",
			Help: "Current number of outbox effects by status.",
		},
		[]string{"status"},
	)

	sweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_sweep_items_total",
			Help: "Records resolved by background sweeps.",
		},
		[]string{"sweep"}, // 'stale_purchases', 'refund_repair'
	)
)

func IncEffect(kind, result string) {
	effectsProcessedTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}

func SetOutboxTotal(counts map[model.EffectStatus]int) {
	for _, status := range []model.EffectStatus{model.EffectStatusPending, model.EffectStatusDone, model.EffectStatusDead} {
		outboxTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func AddSweepItems(sweep string, n int) {
	sweepItemsTotal.WithLabelValues(norm(sweep)).Add(float64(n))
}
