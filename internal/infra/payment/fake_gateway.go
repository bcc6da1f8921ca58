package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*FakeGateway)(nil)

// FakeGateway is an in-memory processor for local development. Intents
// succeed on creation; webhooks are verified with the configured secret so
// signed test payloads can be replayed against a dev server.
type FakeGateway struct {
	mu        sync.Mutex
	customers map[string]string // user id -> customer ref
	intents   map[string]adapter.PaymentIntent
	refunds   map[string]adapter.RefundResult // idempotency key -> refund
	refunded  map[string]bool
	subs      map[string]model.SubscriptionSnapshot
	subKeys   map[string]string // idempotency key -> subscription ref
	webhook   *WebhookParser
	now       func() time.Time
}

func NewFakeGateway(webhookSecret string, prices PriceMap) *FakeGateway {
	return &FakeGateway{
		customers: map[string]string{},
		intents:   map[string]adapter.PaymentIntent{},
		refunds:   map[string]adapter.RefundResult{},
		refunded:  map[string]bool{},
		subs:      map[string]model.SubscriptionSnapshot{},
		subKeys:   map[string]string{},
		webhook:   NewWebhookParser(webhookSecret, prices),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) CreateCustomer(_ context.Context, user *model.User) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.customers[user.ID]; ok {
		return ref, nil
	}
	ref := "cus_" + user.ID
	g.customers[user.ID] = ref
	return ref, nil
}

func (g *FakeGateway) CreatePaymentIntent(_ context.Context, amount int64, currency, _ string, meta map[string]string) (adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi := adapter.PaymentIntent{
		Ref:          "pi_" + uuid.NewString(),
		Status:       adapter.PaymentIntentSucceeded,
		Amount:       amount,
		Currency:     currency,
		Metadata:     meta,
		ClientSecret: "secret_fake",
	}
	g.intents[pi.Ref] = pi
	return pi, nil
}

func (g *FakeGateway) RetrievePaymentIntent(_ context.Context, ref string) (adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[ref]
	if !ok {
		return adapter.PaymentIntent{}, fmt.Errorf("intent %s: %w", ref, domain.ErrNotFound)
	}
	return pi, nil
}

func (g *FakeGateway) CancelPaymentIntent(_ context.Context, ref string) (adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[ref]
	if !ok {
		return adapter.PaymentIntent{}, fmt.Errorf("intent %s: %w", ref, domain.ErrNotFound)
	}
	if pi.Status == adapter.PaymentIntentPending {
		pi.Status = adapter.PaymentIntentFailed
		g.intents[ref] = pi
	}
	return pi, nil
}

func (g *FakeGateway) CreateRefund(_ context.Context, paymentRef, idempotencyKey string) (adapter.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rf, ok := g.refunds[idempotencyKey]; ok {
		return rf, nil
	}
	pi, ok := g.intents[paymentRef]
	if !ok {
		return adapter.RefundResult{}, fmt.Errorf("intent %s: %w", paymentRef, domain.ErrNotFound)
	}
	rf := adapter.RefundResult{ID: "re_" + uuid.NewString(), Status: "succeeded", Amount: pi.Amount}
	g.refunds[idempotencyKey] = rf
	g.refunded[paymentRef] = true
	return rf, nil
}

func (g *FakeGateway) PaymentRefunded(_ context.Context, paymentRef string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[paymentRef], nil
}

func (g *FakeGateway) CreateSubscription(_ context.Context, customerRef string, tier model.Tier, _, idempotencyKey string) (model.SubscriptionSnapshot, error) {
	if !tier.Purchasable() {
		return model.SubscriptionSnapshot{}, domain.ErrInvalidArgument
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.subKeys[idempotencyKey]; ok && idempotencyKey != "" {
		return g.subs[ref], nil
	}
	now := g.now()
	snap := model.SubscriptionSnapshot{
		Ref:         "sub_" + uuid.NewString(),
		CustomerRef: customerRef,
		Status:      "active",
		Tier:        tier,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
	}
	g.subs[snap.Ref] = snap
	if idempotencyKey != "" {
		g.subKeys[idempotencyKey] = snap.Ref
	}
	return snap, nil
}

func (g *FakeGateway) mutate(ref string, fn func(*model.SubscriptionSnapshot)) (model.SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.subs[ref]
	if !ok {
		return model.SubscriptionSnapshot{}, fmt.Errorf("subscription %s: %w", ref, domain.ErrNotFound)
	}
	fn(&snap)
	g.subs[ref] = snap
	return snap, nil
}

func (g *FakeGateway) UpdateSubscription(_ context.Context, ref string, newTier model.Tier) (model.SubscriptionSnapshot, error) {
	return g.mutate(ref, func(s *model.SubscriptionSnapshot) { s.Tier = newTier })
}

func (g *FakeGateway) CancelSubscription(_ context.Context, ref string, immediate bool) (model.SubscriptionSnapshot, error) {
	now := g.now()
	return g.mutate(ref, func(s *model.SubscriptionSnapshot) {
		s.CanceledAt = &now
		if immediate {
			s.Status = "canceled"
			s.CancelAt = nil
			return
		}
		end := s.PeriodEnd
		s.CancelAt = &end
	})
}

func (g *FakeGateway) ResumeSubscription(_ context.Context, ref string) (model.SubscriptionSnapshot, error) {
	return g.mutate(ref, func(s *model.SubscriptionSnapshot) {
		s.CancelAt = nil
		s.CanceledAt = nil
	})
}

func (g *FakeGateway) VerifyWebhookSignature(payload []byte, signatureHeader string) (model.WebhookEvent, error) {
	return g.webhook.Parse(payload, signatureHeader)
}
