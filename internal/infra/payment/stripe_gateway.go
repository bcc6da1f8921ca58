package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/infra/metrics"
)

var _ adapter.PaymentGateway = (*StripeGateway)(nil)

// StripeGateway implements adapter.PaymentGateway on the Stripe API.
type StripeGateway struct {
	sc      *stripe.Client
	prices  PriceMap
	webhook *WebhookParser
	log     *zerolog.Logger
}

func NewStripeGateway(secretKey, webhookSecret string, prices PriceMap, logger *zerolog.Logger) *StripeGateway {
	return &StripeGateway{
		sc:      stripe.NewClient(secretKey),
		prices:  prices,
		webhook: NewWebhookParser(webhookSecret, prices),
		log:     logger,
	}
}

func (g *StripeGateway) Name() string { return "stripe" }

// call times op and folds Stripe errors into domain errors.
func (g *StripeGateway) call(op string, fn func() error) error {
	start := time.Now()
	err := classify(op, fn())
	result := "ok"
	switch {
	case errors.Is(err, domain.ErrGatewayUnavailable):
		result = "unavailable"
	case err != nil:
		result = "error"
	}
	metrics.ObserveGatewayCall(op, result, time.Since(start))
	if err != nil {
		g.log.Warn().Err(err).Str("op", op).Msg("stripe call failed")
	}
	return err
}

// classify treats network failures, rate limits and 5xx as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("stripe %s: %s: %w", op, se.Msg, domain.ErrGatewayUnavailable)
		}
		if se.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("stripe %s: %s: %w", op, se.Msg, domain.ErrNotFound)
		}
		return fmt.Errorf("stripe %s: %s: %w", op, se.Msg, domain.ErrInvalidArgument)
	}
	return fmt.Errorf("stripe %s: %v: %w", op, err, domain.ErrGatewayUnavailable)
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, user *model.User) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email:    stripe.String(user.Email),
		Metadata: map[string]string{"user_id": user.ID},
	}
	// Concurrent callers for the same user get the same customer back.
	params.SetIdempotencyKey("customer-" + user.ID)

	var cus *stripe.Customer
	err := g.call("create_customer", func() (err error) {
		cus, err = g.sc.V1Customers.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	return cus.ID, nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amount int64, currency, customerRef string, meta map[string]string) (adapter.PaymentIntent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(toMinor(amount)),
		Currency: stripe.String(currency),
		Metadata: meta,
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}
	if id := meta["purchase_id"]; id != "" {
		params.SetIdempotencyKey("intent-" + id)
	}

	var pi *stripe.PaymentIntent
	err := g.call("create_intent", func() (err error) {
		pi, err = g.sc.V1PaymentIntents.Create(ctx, params)
		return err
	})
	if err != nil {
		return adapter.PaymentIntent{}, err
	}
	return intentView(pi), nil
}

func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, ref string) (adapter.PaymentIntent, error) {
	var pi *stripe.PaymentIntent
	err := g.call("retrieve_intent", func() (err error) {
		pi, err = g.sc.V1PaymentIntents.Retrieve(ctx, ref, nil)
		return err
	})
	if err != nil {
		return adapter.PaymentIntent{}, err
	}
	return intentView(pi), nil
}

func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, ref string) (adapter.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{CancellationReason: stripe.String("abandoned")}
	params.SetIdempotencyKey("cancel-" + ref)

	var pi *stripe.PaymentIntent
	err := g.call("cancel_intent", func() (err error) {
		pi, err = g.sc.V1PaymentIntents.Cancel(ctx, ref, params)
		return err
	})
	if errors.Is(err, domain.ErrInvalidArgument) {
		// Succeeded or processing intents refuse cancellation.
		return g.RetrievePaymentIntent(ctx, ref)
	}
	if err != nil {
		return adapter.PaymentIntent{}, err
	}
	return intentView(pi), nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, paymentRef, idempotencyKey string) (adapter.RefundResult, error) {
	params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(paymentRef)}
	params.SetIdempotencyKey(idempotencyKey)

	var rf *stripe.Refund
	err := g.call("refund", func() (err error) {
		rf, err = g.sc.V1Refunds.Create(ctx, params)
		return err
	})
	if err != nil {
		return adapter.RefundResult{}, err
	}
	return adapter.RefundResult{ID: rf.ID, Status: string(rf.Status), Amount: fromMinor(rf.Amount)}, nil
}

func (g *StripeGateway) PaymentRefunded(ctx context.Context, paymentRef string) (bool, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")

	var pi *stripe.PaymentIntent
	err := g.call("retrieve_intent", func() (err error) {
		pi, err = g.sc.V1PaymentIntents.Retrieve(ctx, paymentRef, params)
		return err
	})
	if err != nil {
		return false, err
	}
	return pi.LatestCharge != nil && pi.LatestCharge.Refunded, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, customerRef string, tier model.Tier, paymentMethodRef, idempotencyKey string) (model.SubscriptionSnapshot, error) {
	price, err := g.prices.PriceFor(tier)
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(customerRef),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(price)},
		},
		// Fail synchronously instead of leaving an incomplete subscription behind.
		PaymentBehavior: stripe.String("error_if_incomplete"),
	}
	if paymentMethodRef != "" {
		params.DefaultPaymentMethod = stripe.String(paymentMethodRef)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	var sub *stripe.Subscription
	err = g.call("create_subscription", func() (err error) {
		sub, err = g.sc.V1Subscriptions.Create(ctx, params)
		return err
	})
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}
	return snapshotOf(sub, g.prices), nil
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, ref string, newTier model.Tier) (model.SubscriptionSnapshot, error) {
	price, err := g.prices.PriceFor(newTier)
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}

	var cur *stripe.Subscription
	err = g.call("retrieve_subscription", func() (err error) {
		cur, err = g.sc.V1Subscriptions.Retrieve(ctx, ref, nil)
		return err
	})
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}
	if cur.Items == nil || len(cur.Items.Data) == 0 {
		return model.SubscriptionSnapshot{}, fmt.Errorf("subscription %s has no items: %w", ref, domain.ErrStateConflict)
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{ID: stripe.String(cur.Items.Data[0].ID), Price: stripe.String(price)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	var sub *stripe.Subscription
	err = g.call("update_subscription", func() (err error) {
		sub, err = g.sc.V1Subscriptions.Update(ctx, ref, params)
		return err
	})
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}
	return snapshotOf(sub, g.prices), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, ref string, immediate bool) (model.SubscriptionSnapshot, error) {
	var sub *stripe.Subscription
	var err error
	if immediate {
		err = g.call("cancel_subscription", func() (err error) {
			sub, err = g.sc.V1Subscriptions.Cancel(ctx, ref, nil)
			return err
		})
	} else {
		sub, err = g.setCancelAtPeriodEnd(ctx, ref, true)
	}
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}
	return snapshotOf(sub, g.prices), nil
}

func (g *StripeGateway) ResumeSubscription(ctx context.Context, ref string) (model.SubscriptionSnapshot, error) {
	sub, err := g.setCancelAtPeriodEnd(ctx, ref, false)
	if err != nil {
		return model.SubscriptionSnapshot{}, err
	}
	return snapshotOf(sub, g.prices), nil
}

func (g *StripeGateway) setCancelAtPeriodEnd(ctx context.Context, ref string, v bool) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(v)}
	var sub *stripe.Subscription
	err := g.call("update_subscription", func() (err error) {
		sub, err = g.sc.V1Subscriptions.Update(ctx, ref, params)
		return err
	})
	return sub, err
}

func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signatureHeader string) (model.WebhookEvent, error) {
	return g.webhook.Parse(payload, signatureHeader)
}

func intentView(pi *stripe.PaymentIntent) adapter.PaymentIntent {
	return adapter.PaymentIntent{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
		Amount:       fromMinor(pi.Amount),
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}

func intentStatus(s stripe.PaymentIntentStatus) adapter.PaymentIntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return adapter.PaymentIntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return adapter.PaymentIntentFailed
	}
	return adapter.PaymentIntentPending
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// snapshotOf reads the billing period from the first item; Stripe carries
// periods per item.
func snapshotOf(s *stripe.Subscription, prices PriceMap) model.SubscriptionSnapshot {
	snap := model.SubscriptionSnapshot{
		Ref:        s.ID,
		Status:     string(s.Status),
		CanceledAt: unixPtr(s.CanceledAt),
	}
	if s.Customer != nil {
		snap.CustomerRef = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			snap.Tier = prices.TierFor(item.Price.ID)
		}
		snap.PeriodStart = unixTime(item.CurrentPeriodStart)
		snap.PeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	switch {
	case s.CancelAtPeriodEnd && !snap.PeriodEnd.IsZero():
		end := snap.PeriodEnd
		snap.CancelAt = &end
	case s.CancelAt > 0:
		snap.CancelAt = unixPtr(s.CancelAt)
	}
	return snap
}
