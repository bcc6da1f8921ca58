package sched

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"entitlement-service/internal/config"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/metrics"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

// SubscriptionWatcher reports active subscriptions whose scheduled
// cancellation passed without a deletion webhook, and refreshes the status
// gauges. It never changes subscription state: the processor stays the
// source of truth and the evaluator already denies access after cancel_at.
type SubscriptionWatcher struct {
	interval time.Duration
	grace    time.Duration
	subs     repository.SubscriptionRepository
	outbox   repository.OutboxRepository
	pool     PoolStatter
	log      *zerolog.Logger
	now      func() time.Time
}

func NewSubscriptionWatcher(cfg config.ReconcileConfig, subs repository.SubscriptionRepository, outbox repository.OutboxRepository, pool PoolStatter, logger *zerolog.Logger) *SubscriptionWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	compLog := logger.With().Str("component", "SubscriptionWatcher").Logger()
	return &SubscriptionWatcher{
		interval: cfg.Interval,
		grace:    cfg.RefundGrace,
		subs:     subs,
		outbox:   outbox,
		pool:     pool,
		log:      &compLog,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *SubscriptionWatcher) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting subscription watcher")
	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping subscription watcher")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *SubscriptionWatcher) tick(ctx context.Context) {
	overdue, err := w.subs.ListCancelOverdue(ctx, nil, w.now().Add(-w.grace), sweepLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("list overdue cancellations failed")
	} else {
		metrics.SetSubscriptionsCancelOverdue(len(overdue))
		for _, s := range overdue {
			w.log.Warn().
				Str("subscription_id", s.ID).
				Str("user_id", s.UserID).
				Str("external_ref", s.ExternalSubscriptionRef).
				Msg("cancellation overdue, no deletion event received")
		}
	}

	if counts, err := w.subs.CountByStatus(ctx, nil); err != nil {
		w.log.Error().Err(err).Msg("count subscriptions failed")
	} else {
		metrics.SetSubscriptionsTotal(counts)
	}

	if counts, err := w.outbox.CountByStatus(ctx); err != nil {
		w.log.Error().Err(err).Msg("count outbox failed")
	} else {
		metrics.SetOutboxTotal(counts)
	}

	if w.pool != nil {
		st := w.pool.Stat()
		metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
	}
}
