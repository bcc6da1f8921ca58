package model

import "time"

// WebhookEvent is the closed set of processor events the service understands.
// Payloads are decoded into one of the variants below at the ingress boundary;
// anything else becomes Unhandled.
type WebhookEvent interface {
	Meta() EventMeta
	isWebhookEvent()
}

// EventMeta is shared by every variant.
type EventMeta struct {
	ID        string
	Type      string
	CreatedAt time.Time
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) isWebhookEvent()   {}

// PaymentSucceeded: payment_intent.succeeded.
type PaymentSucceeded struct {
	EventMeta
	PaymentRef string
	PurchaseID string // from intent metadata, may be empty
	Amount     int64
	Currency   string
}

// PaymentFailed: payment_intent.payment_failed / payment_intent.canceled.
type PaymentFailed struct {
	EventMeta
	PaymentRef string
	PurchaseID string
	Reason     string
}

// SubscriptionChanged: customer.subscription.created / updated / deleted.
type SubscriptionChanged struct {
	EventMeta
	Snapshot SubscriptionSnapshot
}

// InvoiceSettled: invoice.payment_succeeded / invoice.payment_failed.
type InvoiceSettled struct {
	EventMeta
	SubscriptionRef string
	Paid            bool
	PeriodStart     time.Time
	PeriodEnd       time.Time
}

// Snapshot converts the invoice outcome into the status/period fields it implies.
func (e InvoiceSettled) Snapshot() SubscriptionSnapshot {
	status := "active"
	if !e.Paid {
		status = "past_due"
	}
	return SubscriptionSnapshot{
		Ref:            e.SubscriptionRef,
		Status:         status,
		PeriodStart:    e.PeriodStart,
		PeriodEnd:      e.PeriodEnd,
		OccurredAt:     e.CreatedAt,
		NoCancelFields: true,
	}
}

// ChargeRefunded: charge.refunded (full refunds only).
type ChargeRefunded struct {
	EventMeta
	PaymentRef string
}

// Unhandled is any verified event outside the set above.
type Unhandled struct {
	EventMeta
}
