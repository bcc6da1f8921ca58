package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"entitlement-service/internal/config"
	"entitlement-service/internal/infra/metrics"
	"entitlement-service/internal/usecase"
)

const sweepLimit = 200

// PaymentReconciler periodically resolves purchases whose outcome never
// arrived (lost webhook, crashed client) and finishes refunds that were
// interrupted between the gateway call and the local write.
type PaymentReconciler struct {
	uc           usecase.ReconcileUseCase
	interval     time.Duration
	staleAfter   time.Duration
	abandonAfter time.Duration
	refundGrace  time.Duration
	log          *zerolog.Logger
}

func NewPaymentReconciler(uc usecase.ReconcileUseCase, cfg config.ReconcileConfig, logger *zerolog.Logger) *PaymentReconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 24 * time.Hour
	}
	if cfg.RefundGrace <= 0 {
		cfg.RefundGrace = 10 * time.Minute
	}
	compLog := logger.With().Str("component", "PaymentReconciler").Logger()
	return &PaymentReconciler{
		uc:           uc,
		interval:     cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		abandonAfter: cfg.AbandonAfter,
		refundGrace:  cfg.RefundGrace,
		log:          &compLog,
	}
}

func (w *PaymentReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting payment reconciler")
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment reconciler")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass of both sweeps and returns how many records each resolved.
func (w *PaymentReconciler) RunOnce(ctx context.Context) (stale, refunds int) {
	stale, err := w.uc.ReconcileStalePurchases(ctx, w.staleAfter, w.abandonAfter, sweepLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("stale purchase sweep failed")
	}
	if stale > 0 {
		metrics.AddSweepItems("stale_purchases", stale)
		w.log.Info().Int("count", stale).Msg("stale purchases reconciled")
	}

	refunds, err = w.uc.RepairRefunds(ctx, w.refundGrace, sweepLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("refund repair sweep failed")
	}
	if refunds > 0 {
		metrics.AddSweepItems("refund_repair", refunds)
		w.log.Info().Int("count", refunds).Msg("interrupted refunds repaired")
	}
	return stale, refunds
}
