// File: internal/usecase/subscription_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/logging"
)

// Compile-time check
var _ SubscriptionUseCase = (*subscriptionUC)(nil)

// SubscriptionUseCase owns the subscription lifecycle. Owner-initiated
// operations call the gateway first and persist the period fields it returns;
// webhooks re-derive local state from the processor snapshot.
type SubscriptionUseCase interface {
	// Subscribe creates the processor subscription and its local record.
	Subscribe(ctx context.Context, userID string, tier model.Tier, paymentMethodRef string) (*model.Subscription, error)
	// Create stores a subscription the gateway already created. It is
	// idempotent on the external ref.
	Create(ctx context.Context, userID string, tier model.Tier, snap model.SubscriptionSnapshot) (s *model.Subscription, created bool, err error)

	ChangeTier(ctx context.Context, userID, subscriptionID string, newTier model.Tier) (*model.Subscription, error)
	RequestCancel(ctx context.Context, userID, subscriptionID string, immediate bool) (*model.Subscription, error)
	Reactivate(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error)

	// ApplyWebhook applies a processor snapshot. applied is false for stale,
	// duplicate or terminal-target events.
	ApplyWebhook(ctx context.Context, snap model.SubscriptionSnapshot) (s *model.Subscription, applied bool, err error)

	// GetLive returns the user's active or past_due subscription, or nil.
	GetLive(ctx context.Context, userID string) (*model.Subscription, error)
	Get(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error)
}

type subscriptionUC struct {
	subs      repository.SubscriptionRepository
	users     repository.UserRepository
	outbox    repository.OutboxRepository
	customers CustomerUseCase
	gateway   adapter.PaymentGateway
	locker    adapter.Locker
	tm        repository.TransactionManager
	waker     adapter.EffectWaker
	log       *zerolog.Logger
	now       func() time.Time
}

const subscribeLockTTL = time.Minute

func NewSubscriptionUseCase(
	subs repository.SubscriptionRepository,
	users repository.UserRepository,
	outbox repository.OutboxRepository,
	customers CustomerUseCase,
	gateway adapter.PaymentGateway,
	locker adapter.Locker,
	tm repository.TransactionManager,
	waker adapter.EffectWaker,
	logger *zerolog.Logger,
) *subscriptionUC {
	if waker == nil {
		waker = noopWaker{}
	}
	return &subscriptionUC{
		subs:      subs,
		users:     users,
		outbox:    outbox,
		customers: customers,
		gateway:   gateway,
		locker:    locker,
		tm:        tm,
		waker:     waker,
		log:       logger,
		now:       time.Now,
	}
}

// Subscribe holds a per-user lock from the live check through the local
// write, so concurrent requests cannot both reach the processor. The
// processor call carries an idempotency key bound to the user's subscription
// count, which makes a retry after a failed local write return the same
// processor subscription instead of charging again.
func (u *subscriptionUC) Subscribe(ctx context.Context, userID string, tier model.Tier, paymentMethodRef string) (*model.Subscription, error) {
	defer logging.TraceDuration(u.log, "SubscriptionUC.Subscribe")()

	if !tier.Purchasable() {
		return nil, domain.ErrInvalidArgument
	}

	lockKey := "lock:subscribe:" + userID
	token, err := u.locker.TryLock(ctx, lockKey, subscribeLockTTL)
	if err != nil {
		return nil, fmt.Errorf("subscribe for user %s: %w", userID, err)
	}
	defer func() {
		if err := u.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			u.log.Warn().Err(err).Str("user_id", userID).Msg("subscribe lock release failed")
		}
	}()

	// Create re-checks under the user row lock.
	if live, err := u.GetLive(ctx, userID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, domain.ErrAlreadyActive
	}
	held, err := u.subs.CountByUser(ctx, repository.NoTX, userID)
	if err != nil {
		return nil, err
	}

	customerRef, err := u.customers.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap, err := u.gateway.CreateSubscription(ctx, customerRef, tier, paymentMethodRef, subscribeKey(userID, held, tier, paymentMethodRef))
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s, _, err := u.Create(ctx, userID, tier, snap)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyActive) {
			u.log.Error().Str("user_id", userID).Str("subscription_ref", snap.Ref).
				Msg("processor subscription created but user already holds a live one; cancelling it")
			if _, cerr := u.gateway.CancelSubscription(context.WithoutCancel(ctx), snap.Ref, true); cerr != nil {
				u.log.Error().Err(cerr).Str("subscription_ref", snap.Ref).Msg("cancel of duplicate subscription failed")
			}
		}
		return nil, err
	}
	return s, nil
}

// subscribeKey changes once a subscription is stored for the user, and when
// the tier or payment method changes.
func subscribeKey(userID string, held int, tier model.Tier, paymentMethodRef string) string {
	return fmt.Sprintf("subscribe-%s-%d-%s-%s", userID, held, tier, paymentMethodRef)
}

func (u *subscriptionUC) Create(ctx context.Context, userID string, tier model.Tier, snap model.SubscriptionSnapshot) (*model.Subscription, bool, error) {
	defer logging.TraceDuration(u.log, "SubscriptionUC.Create")()

	var (
		out     *model.Subscription
		created bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, created, err = u.createTx(ctx, tx, userID, tier, snap)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		u.waker.Wake()
		u.log.Info().Str("user_id", userID).Str("subscription_id", out.ID).Str("tier", string(out.Tier)).Msg("subscription created")
	}
	return out, created, nil
}

func (u *subscriptionUC) createTx(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, snap model.SubscriptionSnapshot) (*model.Subscription, bool, error) {
	if err := u.tm.LockUser(ctx, tx, userID); err != nil {
		return nil, false, err
	}
	existing, err := u.subs.FindByExternalRef(ctx, tx, snap.Ref)
	switch {
	case err == nil:
		if existing.UserID != userID {
			return nil, false, fmt.Errorf("subscription ref %s belongs to another user: %w", snap.Ref, domain.ErrStateConflict)
		}
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	live, err := u.subs.FindLiveByUser(ctx, tx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}
	if live != nil {
		return nil, false, domain.ErrAlreadyActive
	}

	now := u.now()
	s, err := model.NewSubscription(userID, tier, snap.Ref, snap.PeriodStart, snap.PeriodEnd, now)
	if err != nil {
		return nil, false, err
	}
	// The processor may already report trialing/past_due or a scheduled cancel.
	if _, err := s.ApplySnapshot(snap, now); err != nil {
		return nil, false, err
	}
	if err := u.subs.Save(ctx, tx, s); err != nil {
		return nil, false, err
	}
	if err := u.project(ctx, tx, s); err != nil {
		return nil, false, err
	}
	if err := u.outbox.Enqueue(ctx, tx, model.SubscriptionEffects(s, "created", now)...); err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (u *subscriptionUC) ChangeTier(ctx context.Context, userID, subscriptionID string, newTier model.Tier) (*model.Subscription, error) {
	defer logging.TraceDuration(u.log, "SubscriptionUC.ChangeTier")()

	s, err := u.Get(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckTierChange(newTier); err != nil {
		return nil, err
	}
	snap, err := u.gateway.UpdateSubscription(ctx, s.ExternalSubscriptionRef, newTier)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	return u.mutate(ctx, subscriptionID, "tier_changed", func(cur *model.Subscription, now time.Time) error {
		return cur.ApplyTierChange(newTier, snap.PeriodStart, snap.PeriodEnd, now)
	})
}

func (u *subscriptionUC) RequestCancel(ctx context.Context, userID, subscriptionID string, immediate bool) (*model.Subscription, error) {
	defer logging.TraceDuration(u.log, "SubscriptionUC.RequestCancel")()

	s, err := u.Get(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckCancel(immediate); err != nil {
		return nil, err
	}
	snap, err := u.gateway.CancelSubscription(ctx, s.ExternalSubscriptionRef, immediate)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	change := "cancel_scheduled"
	if immediate {
		change = "cancelled"
	}
	return u.mutate(ctx, subscriptionID, change, func(cur *model.Subscription, now time.Time) error {
		if immediate {
			return cur.CancelNow(now)
		}
		periodEnd := snap.PeriodEnd
		if snap.CancelAt != nil {
			periodEnd = *snap.CancelAt
		}
		if periodEnd.IsZero() {
			periodEnd = cur.CurrentPeriodEnd
		}
		return cur.ScheduleCancel(periodEnd, now)
	})
}

func (u *subscriptionUC) Reactivate(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error) {
	defer logging.TraceDuration(u.log, "SubscriptionUC.Reactivate")()

	s, err := u.Get(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckReactivate(u.now()); err != nil {
		return nil, err
	}
	if _, err := u.gateway.ResumeSubscription(ctx, s.ExternalSubscriptionRef); err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}
	return u.mutate(ctx, subscriptionID, "reactivated", func(cur *model.Subscription, now time.Time) error {
		return cur.Reactivate(now)
	})
}

// mutate re-reads the record inside a tx, applies fn and writes it back
// conditionally on the status it was read with.
func (u *subscriptionUC) mutate(ctx context.Context, subscriptionID, change string, fn func(cur *model.Subscription, now time.Time) error) (*model.Subscription, error) {
	var out *model.Subscription
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := u.subs.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		expected := cur.Status
		now := u.now()
		if err := fn(cur, now); err != nil {
			return err
		}
		ok, err := u.subs.Update(ctx, tx, cur, expected)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("subscription %s changed concurrently: %w", cur.ID, domain.ErrStateConflict)
		}
		if err := u.project(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return u.outbox.Enqueue(ctx, tx, model.SubscriptionEffects(cur, change, now)...)
	})
	if err != nil {
		return nil, err
	}
	u.waker.Wake()
	u.log.Info().Str("subscription_id", out.ID).Str("change", change).Str("status", string(out.Status)).Str("tier", string(out.Tier)).Msg("subscription updated")
	return out, nil
}

func (u *subscriptionUC) ApplyWebhook(ctx context.Context, snap model.SubscriptionSnapshot) (*model.Subscription, bool, error) {
	defer logging.TraceDuration(u.log, "SubscriptionUC.ApplyWebhook")()

	if snap.Ref == "" {
		return nil, false, domain.ErrInvalidArgument
	}
	var (
		out     *model.Subscription
		applied bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		cur, err := u.subs.FindByExternalRef(ctx, tx, snap.Ref)
		if errors.Is(err, domain.ErrNotFound) {
			out, applied, err = u.adoptFromSnapshot(ctx, tx, snap)
			return err
		}
		if err != nil {
			return err
		}
		out = cur
		expected := cur.Status
		before := cur.Status
		now := u.now()
		ok, err := cur.ApplySnapshot(snap, now)
		if err != nil || !ok {
			return err
		}
		won, err := u.subs.Update(ctx, tx, cur, expected)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("subscription %s changed concurrently: %w", cur.ID, domain.ErrStateConflict)
		}
		if err := u.project(ctx, tx, cur); err != nil {
			return err
		}
		applied = true
		return u.outbox.Enqueue(ctx, tx, model.SubscriptionEffects(cur, webhookChange(before, cur), now)...)
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		u.waker.Wake()
		u.log.Info().Str("subscription_id", out.ID).Str("status", string(out.Status)).Str("tier", string(out.Tier)).Msg("subscription synced from processor")
	}
	return out, applied, nil
}

// adoptFromSnapshot handles a webhook that arrives before the local record
// was written (or for a subscription created outside this service).
func (u *subscriptionUC) adoptFromSnapshot(ctx context.Context, tx repository.Tx, snap model.SubscriptionSnapshot) (*model.Subscription, bool, error) {
	if snap.CustomerRef == "" || !snap.Tier.Purchasable() {
		return nil, false, domain.ErrNotFound
	}
	status, ok := model.MapProcessorStatus(snap.Status, snap.Deleted)
	if !ok || !status.Live() {
		return nil, false, domain.ErrNotFound
	}
	user, err := u.users.FindByCustomerRef(ctx, tx, snap.CustomerRef)
	if err != nil {
		return nil, false, err
	}
	return u.createTx(ctx, tx, user.ID, snap.Tier, snap)
}

func webhookChange(before model.SubscriptionStatus, s *model.Subscription) string {
	switch {
	case s.Status == model.SubscriptionStatusCancelled && before != s.Status:
		return "cancelled"
	case s.Status == model.SubscriptionStatusExpired:
		return "expired"
	case s.Status == model.SubscriptionStatusPastDue && before != s.Status:
		return "payment_problem"
	case before == model.SubscriptionStatusPastDue && s.Status == model.SubscriptionStatusActive:
		return "payment_recovered"
	}
	return "updated"
}

// project refreshes the denormalized tier/status on the user row.
func (u *subscriptionUC) project(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	var user model.User
	user.ProjectSubscription(s)
	return u.users.UpdateSubscriptionProjection(ctx, tx, s.UserID, user.SubscriptionTier, user.SubscriptionStatus)
}

func (u *subscriptionUC) GetLive(ctx context.Context, userID string) (*model.Subscription, error) {
	s, err := u.subs.FindLiveByUser(ctx, repository.NoTX, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (u *subscriptionUC) Get(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error) {
	s, err := u.subs.FindByID(ctx, repository.NoTX, subscriptionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return s, nil
}
