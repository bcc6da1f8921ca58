package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"entitlement-service/internal/config"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/usecase"
)

type fakeReconcileUC struct {
	usecase.ReconcileUseCase // only the sweep methods are used

	staleCalls   []time.Duration
	abandonCalls []time.Duration
	refundCalls  []time.Duration
	staleErr    error
}

func (f *fakeReconcileUC) ReconcileStalePurchases(_ context.Context, olderThan, abandonAfter time.Duration, _ int) (int, error) {
	f.staleCalls = append(f.staleCalls, olderThan)
	f.abandonCalls = append(f.abandonCalls, abandonAfter)
	return 2, f.staleErr
}

func (f *fakeReconcileUC) RepairRefunds(_ context.Context, grace time.Duration, _ int) (int, error) {
	f.refundCalls = append(f.refundCalls, grace)
	return 1, nil
}

func TestPaymentReconciler_RunOnce(t *testing.T) {
	logger := zerolog.Nop()
	uc := &fakeReconcileUC{staleErr: errors.New("gateway down")}
	w := NewPaymentReconciler(uc, config.ReconcileConfig{StaleAfter: 30 * time.Minute, RefundGrace: 5 * time.Minute}, &logger)

	stale, refunds := w.RunOnce(context.Background())

	if stale != 2 || refunds != 1 {
		t.Errorf("expected 2 stale and 1 refund, got %d and %d", stale, refunds)
	}
	if len(uc.staleCalls) != 1 || uc.staleCalls[0] != 30*time.Minute {
		t.Errorf("unexpected stale calls %v", uc.staleCalls)
	}
	if len(uc.abandonCalls) != 1 || uc.abandonCalls[0] != 24*time.Hour {
		t.Errorf("expected the default abandon horizon, got %v", uc.abandonCalls)
	}
	// a failing stale sweep must not skip the refund repair
	if len(uc.refundCalls) != 1 || uc.refundCalls[0] != 5*time.Minute {
		t.Errorf("unexpected refund calls %v", uc.refundCalls)
	}
}

func TestPaymentReconciler_RunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	w := NewPaymentReconciler(&fakeReconcileUC{}, config.ReconcileConfig{Interval: time.Hour}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

type fakeSubs struct {
	repository.SubscriptionRepository
	overdue []*model.Subscription
	asked   time.Time
	counted bool
}

func (f *fakeSubs) ListCancelOverdue(_ context.Context, _ repository.Tx, before time.Time, _ int) ([]*model.Subscription, error) {
	f.asked = before
	return f.overdue, nil
}

func (f *fakeSubs) CountByStatus(context.Context, repository.Tx) (map[model.SubscriptionStatus]int, error) {
	f.counted = true
	return map[model.SubscriptionStatus]int{model.SubscriptionStatusActive: len(f.overdue)}, nil
}

type fakeOutbox struct {
	repository.OutboxRepository
	counted bool
}

func (f *fakeOutbox) CountByStatus(context.Context) (map[model.EffectStatus]int, error) {
	f.counted = true
	return map[model.EffectStatus]int{model.EffectStatusPending: 3}, nil
}

func TestSubscriptionWatcher_Tick(t *testing.T) {
	logger := zerolog.Nop()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, err := model.NewSubscription("user-1", model.TierBasic, "sub_1", now.AddDate(0, -1, 0), now, now.AddDate(0, -1, 0))
	if err != nil {
		t.Fatal(err)
	}
	subs := &fakeSubs{overdue: []*model.Subscription{s}}
	outbox := &fakeOutbox{}

	w := NewSubscriptionWatcher(config.ReconcileConfig{RefundGrace: 10 * time.Minute}, subs, outbox, nil, &logger)
	w.now = func() time.Time { return now }
	w.tick(context.Background())

	if want := now.Add(-10 * time.Minute); !subs.asked.Equal(want) {
		t.Errorf("overdue cutoff = %v, want %v", subs.asked, want)
	}
	if !subs.counted || !outbox.counted {
		t.Error("expected gauges to be refreshed")
	}
	if s.Status != model.SubscriptionStatusActive {
		t.Errorf("watcher must not change state, got %s", s.Status)
	}
}
