package adapter

import (
	"context"

	"entitlement-service/internal/domain/model"
)

type PaymentIntentStatus string

const (
	PaymentIntentPending   PaymentIntentStatus = "pending"   // still processing or awaiting customer action
	PaymentIntentSucceeded PaymentIntentStatus = "succeeded" // funds captured
	PaymentIntentFailed    PaymentIntentStatus = "failed"    // canceled or requires a new payment method
)

// PaymentIntent is the provider-agnostic view of a payment intent.
type PaymentIntent struct {
	Ref          string
	ClientSecret string
	Status       PaymentIntentStatus
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

// RefundResult captures a minimal, provider-agnostic result of a refund request.
type RefundResult struct {
	ID     string // provider refund id
	Status string // provider status e.g. pending / succeeded
	Amount int64
}

// PaymentGateway is the hex port for the payment processor. Implementations
// return domain.ErrGatewayUnavailable (wrapped) for transient failures.
type PaymentGateway interface {
	Name() string

	CreateCustomer(ctx context.Context, user *model.User) (customerRef string, err error)
	CreatePaymentIntent(ctx context.Context, amount int64, currency, customerRef string, meta map[string]string) (PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, ref string) (PaymentIntent, error)
	// CancelPaymentIntent cancels an unpaid intent. An intent the processor
	// can no longer cancel is returned as it stands, so a capture that raced
	// the cancel shows up as succeeded.
	CancelPaymentIntent(ctx context.Context, ref string) (PaymentIntent, error)
	// CreateRefund refunds the full amount of the payment. idempotencyKey makes
	// a retried call return the original refund.
	CreateRefund(ctx context.Context, paymentRef, idempotencyKey string) (RefundResult, error)
	// PaymentRefunded reports whether the processor already holds a successful
	// refund for the payment.
	PaymentRefunded(ctx context.Context, paymentRef string) (bool, error)

	// CreateSubscription starts a subscription. A retried call with the same
	// idempotencyKey returns the subscription the first call created.
	CreateSubscription(ctx context.Context, customerRef string, tier model.Tier, paymentMethodRef, idempotencyKey string) (model.SubscriptionSnapshot, error)
	UpdateSubscription(ctx context.Context, ref string, newTier model.Tier) (model.SubscriptionSnapshot, error)
	CancelSubscription(ctx context.Context, ref string, immediate bool) (model.SubscriptionSnapshot, error)
	// ResumeSubscription undoes a cancel-at-period-end request.
	ResumeSubscription(ctx context.Context, ref string) (model.SubscriptionSnapshot, error)

	// VerifyWebhookSignature authenticates payload and decodes it into one of
	// the model.WebhookEvent variants. Failures wrap domain.ErrSignature.
	VerifyWebhookSignature(payload []byte, signatureHeader string) (model.WebhookEvent, error)
}
