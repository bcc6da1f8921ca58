// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/logging"
	"entitlement-service/internal/infra/metrics"
)

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

// Outcome describes what happened to one processor event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed" // a transition was applied
	OutcomeReplay    Outcome = "replay"    // record already in the target state
	OutcomeDuplicate Outcome = "duplicate" // event id seen before
	OutcomeIgnored   Outcome = "ignored"   // unknown event type
	OutcomeNotFound  Outcome = "not_found" // no local record for the event
	OutcomeRejected  Outcome = "rejected"  // transition refused by the state machine
)

// ReconcileUseCase merges the two channels that report a payment outcome:
// the client confirmation call and the processor webhook.
type ReconcileUseCase interface {
	// ConfirmPurchase verifies the payment with the gateway and applies the result.
	ConfirmPurchase(ctx context.Context, userID, purchaseID string) (*model.Purchase, error)
	// HandleWebhook verifies and applies one webhook delivery. A nil error
	// means the delivery may be acknowledged.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error)
	// HandleEvent applies an already verified event.
	HandleEvent(ctx context.Context, ev model.WebhookEvent) (Outcome, error)

	// ReconcileStalePurchases resolves pending purchases older than olderThan.
	// Unpaid ones older than abandonAfter have their payment intent cancelled;
	// abandonAfter <= 0 never cancels.
	ReconcileStalePurchases(ctx context.Context, olderThan, abandonAfter time.Duration, limit int) (int, error)
	// RepairRefunds finishes refunds interrupted between gateway and database.
	RepairRefunds(ctx context.Context, grace time.Duration, limit int) (int, error)
}

const webhookLockTTL = time.Minute

type reconcileUC struct {
	purchases     PurchaseUseCase
	subscriptions SubscriptionUseCase
	purchaseRepo  repository.PurchaseRepository
	events        repository.WebhookEventRepository
	gateway       adapter.PaymentGateway
	locker        adapter.Locker
	log           *zerolog.Logger
	now           func() time.Time
}

func NewReconcileUseCase(
	purchases PurchaseUseCase,
	subscriptions SubscriptionUseCase,
	purchaseRepo repository.PurchaseRepository,
	events repository.WebhookEventRepository,
	gateway adapter.PaymentGateway,
	locker adapter.Locker,
	logger *zerolog.Logger,
) *reconcileUC {
	return &reconcileUC{
		purchases:     purchases,
		subscriptions: subscriptions,
		purchaseRepo:  purchaseRepo,
		events:        events,
		gateway:       gateway,
		locker:        locker,
		log:           logger,
		now:           time.Now,
	}
}

func (u *reconcileUC) ConfirmPurchase(ctx context.Context, userID, purchaseID string) (*model.Purchase, error) {
	defer logging.TraceDuration(u.log, "ReconcileUC.ConfirmPurchase")()

	p, err := u.purchases.Get(ctx, userID, purchaseID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case model.PurchaseStatusCompleted, model.PurchaseStatusRefunded:
		// The webhook got here first.
		metrics.IncTransition("purchase", string(model.PurchaseStatusCompleted), "confirm", "replay")
		return p, nil
	}
	ref := p.PaymentRef()
	if ref == "" {
		return nil, fmt.Errorf("purchase %s has no payment intent: %w", p.ID, domain.ErrInvalidState)
	}

	intent, err := u.gateway.RetrievePaymentIntent(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent: %w", err)
	}
	switch intent.Status {
	case adapter.PaymentIntentSucceeded:
		out, applied, err := u.purchases.MarkCompleted(ctx, p.ID, ref)
		if err != nil {
			return nil, err
		}
		metrics.IncTransition("purchase", string(model.PurchaseStatusCompleted), "confirm", appliedLabel(applied))
		return out, nil
	case adapter.PaymentIntentFailed:
		out, applied, err := u.purchases.MarkFailed(ctx, p.ID, ref)
		if err != nil {
			return nil, err
		}
		metrics.IncTransition("purchase", string(model.PurchaseStatusFailed), "confirm", appliedLabel(applied))
		return out, nil
	}
	// Still processing: the webhook or the stale-purchase sweep will settle it.
	return p, nil
}

func (u *reconcileUC) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	defer logging.TraceDuration(u.log, "ReconcileUC.HandleWebhook")()

	ev, err := u.gateway.VerifyWebhookSignature(payload, signature)
	if err != nil {
		metrics.IncWebhook("unknown", "signature_failed")
		u.log.Error().Err(err).Int("payload_bytes", len(payload)).Msg("webhook signature verification failed")
		if !errors.Is(err, domain.ErrSignature) {
			err = errors.Join(domain.ErrSignature, err)
		}
		return "", err
	}
	meta := ev.Meta()
	log := u.log.With().Str("event_id", meta.ID).Str("event_type", meta.Type).Logger()

	// The processor retries deliveries in parallel; only one may work on an id.
	key := "lock:webhook:" + meta.ID
	token, err := u.locker.TryLock(ctx, key, webhookLockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("webhook event already in flight")
		return "", fmt.Errorf("event %s in flight: %w", meta.ID, domain.ErrLockNotAcquired)
	}
	defer func() {
		if err := u.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn().Err(err).Msg("webhook lock release failed")
		}
	}()

	seen, err := u.events.Seen(ctx, repository.NoTX, meta.ID)
	if err != nil {
		return "", err
	}
	if seen {
		metrics.IncWebhook(meta.Type, string(OutcomeDuplicate))
		log.Debug().Msg("webhook event already processed")
		return OutcomeDuplicate, nil
	}

	outcome, err := u.HandleEvent(ctx, ev)
	if err != nil {
		metrics.IncWebhook(meta.Type, "error")
		return "", err
	}
	if _, err := u.events.MarkProcessed(ctx, repository.NoTX, meta); err != nil {
		// The transition is committed; a redelivery resolves as a replay.
		log.Warn().Err(err).Msg("failed to record processed webhook event")
	}
	metrics.IncWebhook(meta.Type, string(outcome))
	return outcome, nil
}

func (u *reconcileUC) HandleEvent(ctx context.Context, ev model.WebhookEvent) (Outcome, error) {
	meta := ev.Meta()
	log := u.log.With().Str("event_id", meta.ID).Str("event_type", meta.Type).Logger()

	var (
		applied bool
		err     error
	)
	switch e := ev.(type) {
	case model.PaymentSucceeded:
		_, applied, err = u.purchases.MarkCompleted(ctx, e.PurchaseID, e.PaymentRef)
		if err == nil {
			metrics.IncTransition("purchase", string(model.PurchaseStatusCompleted), "webhook", appliedLabel(applied))
		}
	case model.PaymentFailed:
		var p *model.Purchase
		p, applied, err = u.purchases.MarkFailed(ctx, e.PurchaseID, e.PaymentRef)
		if err == nil && !applied && p.Status == model.PurchaseStatusCompleted {
			log.Info().Str("purchase_id", p.ID).Msg("payment failure after completion discarded")
		}
		if err == nil {
			metrics.IncTransition("purchase", string(model.PurchaseStatusFailed), "webhook", appliedLabel(applied))
		}
	case model.ChargeRefunded:
		_, applied, err = u.purchases.ApplyExternalRefund(ctx, "", e.PaymentRef)
		if err == nil {
			metrics.IncTransition("purchase", string(model.PurchaseStatusRefunded), "webhook", appliedLabel(applied))
		}
	case model.SubscriptionChanged:
		var s *model.Subscription
		s, applied, err = u.subscriptions.ApplyWebhook(ctx, e.Snapshot)
		if err == nil {
			metrics.IncTransition("subscription", string(s.Status), "webhook", appliedLabel(applied))
		}
	case model.InvoiceSettled:
		var s *model.Subscription
		s, applied, err = u.subscriptions.ApplyWebhook(ctx, e.Snapshot())
		if err == nil {
			metrics.IncTransition("subscription", string(s.Status), "webhook", appliedLabel(applied))
		}
	default:
		log.Info().Msg("unhandled webhook event type acknowledged")
		return OutcomeIgnored, nil
	}

	switch {
	case err == nil && applied:
		return OutcomeProcessed, nil
	case err == nil:
		log.Debug().Msg("webhook replay; record already up to date")
		return OutcomeReplay, nil
	case errors.Is(err, domain.ErrNotFound):
		log.Warn().Msg("webhook references no local record; acknowledged")
		return OutcomeNotFound, nil
	case errors.Is(err, domain.ErrStateConflict), domain.IsBusinessRejection(err):
		log.Error().Err(err).Msg("webhook transition rejected; acknowledged")
		return OutcomeRejected, nil
	}
	return "", err
}

func (u *reconcileUC) ReconcileStalePurchases(ctx context.Context, olderThan, abandonAfter time.Duration, limit int) (int, error) {
	defer logging.TraceDuration(u.log, "ReconcileUC.ReconcileStalePurchases")()

	now := u.now()
	pending, err := u.purchaseRepo.ListPendingOlderThan(ctx, repository.NoTX, now.Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	var abandonBefore time.Time
	if abandonAfter > 0 {
		abandonBefore = now.Add(-abandonAfter)
	}
	resolved := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		ok, err := u.resolvePending(ctx, p, abandonBefore)
		if err != nil {
			u.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("stale purchase reconcile failed")
		}
		if ok {
			resolved++
			continue
		}
		// Stays pending: move it behind the rest of the backlog.
		if err := u.purchaseRepo.MarkChecked(ctx, repository.NoTX, p.ID, now); err != nil {
			u.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("stale purchase check not recorded")
		}
	}
	return resolved, nil
}

// resolvePending settles one pending purchase from the processor's view. A
// purchase created before abandonBefore whose intent is still unpaid has the
// intent cancelled, so the next step is a terminal failure instead of another
// pending pass.
func (u *reconcileUC) resolvePending(ctx context.Context, p *model.Purchase, abandonBefore time.Time) (bool, error) {
	ref := p.PaymentRef()
	if ref == "" {
		// Checkout died before a payment intent existed; nothing can complete it.
		_, applied, err := u.purchases.MarkFailed(ctx, p.ID, "")
		if applied {
			metrics.IncTransition("purchase", string(model.PurchaseStatusFailed), "reconciler", "applied")
		}
		return applied, err
	}
	intent, err := u.gateway.RetrievePaymentIntent(ctx, ref)
	if err != nil {
		return false, err
	}
	if intent.Status == adapter.PaymentIntentPending && p.CreatedAt.Before(abandonBefore) {
		intent, err = u.gateway.CancelPaymentIntent(ctx, ref)
		if err != nil {
			return false, fmt.Errorf("cancel abandoned intent: %w", err)
		}
		u.log.Info().Str("purchase_id", p.ID).Str("status", string(intent.Status)).Msg("abandoned checkout cancelled")
	}
	switch intent.Status {
	case adapter.PaymentIntentSucceeded:
		_, applied, err := u.purchases.MarkCompleted(ctx, p.ID, ref)
		if applied {
			metrics.IncTransition("purchase", string(model.PurchaseStatusCompleted), "reconciler", "applied")
			u.log.Warn().Str("purchase_id", p.ID).Msg("completed a purchase whose confirmation was lost")
		}
		return applied, err
	case adapter.PaymentIntentFailed:
		_, applied, err := u.purchases.MarkFailed(ctx, p.ID, ref)
		if applied {
			metrics.IncTransition("purchase", string(model.PurchaseStatusFailed), "reconciler", "applied")
		}
		return applied, err
	}
	return false, nil
}

func (u *reconcileUC) RepairRefunds(ctx context.Context, grace time.Duration, limit int) (int, error) {
	defer logging.TraceDuration(u.log, "ReconcileUC.RepairRefunds")()

	stuck, err := u.purchaseRepo.ListRefundRequestedBefore(ctx, repository.NoTX, u.now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, p := range stuck {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		ok, err := u.purchases.RepairRefund(ctx, p)
		if err != nil {
			u.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("refund repair failed")
			continue
		}
		if ok {
			repaired++
			metrics.IncTransition("purchase", string(model.PurchaseStatusRefunded), "reconciler", "applied")
		}
	}
	return repaired, nil
}

func appliedLabel(applied bool) string {
	if applied {
		return "applied"
	}
	return "noop"
}
