package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
)

// WebhookParser authenticates Stripe deliveries and decodes them into the
// closed model.WebhookEvent set.
type WebhookParser struct {
	secret string
	prices PriceMap
}

func NewWebhookParser(secret string, prices PriceMap) *WebhookParser {
	return &WebhookParser{secret: secret, prices: prices}
}

type stripeInvoice struct {
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i stripeInvoice) subscriptionRef() string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription != "" {
		return i.Parent.SubscriptionDetails.Subscription
	}
	return i.Subscription
}

type stripeCharge struct {
	PaymentIntent string `json:"payment_intent"`
	Refunded      bool   `json:"refunded"`
}

func (p *WebhookParser) Parse(payload []byte, signatureHeader string) (model.WebhookEvent, error) {
	if signatureHeader == "" {
		return nil, fmt.Errorf("missing signature: %w", domain.ErrSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrSignature)
	}
	return p.decode(&event)
}

func (p *WebhookParser) decode(event *stripe.Event) (model.WebhookEvent, error) {
	meta := model.EventMeta{ID: event.ID, Type: string(event.Type), CreatedAt: unixTime(event.Created)}
	if event.Data == nil {
		return model.Unhandled{EventMeta: meta}, nil
	}
	raw := event.Data.Raw

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment_intent: %w", err)
		}
		return model.PaymentSucceeded{
			EventMeta:  meta,
			PaymentRef: pi.ID,
			PurchaseID: pi.Metadata["purchase_id"],
			Amount:     fromMinor(pi.Amount),
			Currency:   string(pi.Currency),
		}, nil

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment_intent: %w", err)
		}
		reason := string(pi.CancellationReason)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return model.PaymentFailed{
			EventMeta:  meta,
			PaymentRef: pi.ID,
			PurchaseID: pi.Metadata["purchase_id"],
			Reason:     reason,
		}, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		snap := snapshotOf(&sub, p.prices)
		snap.OccurredAt = meta.CreatedAt
		snap.Deleted = event.Type == "customer.subscription.deleted"
		return model.SubscriptionChanged{EventMeta: meta, Snapshot: snap}, nil

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		ref := inv.subscriptionRef()
		if ref == "" {
			// one-off invoice, not ours
			return model.Unhandled{EventMeta: meta}, nil
		}
		out := model.InvoiceSettled{
			EventMeta:       meta,
			SubscriptionRef: ref,
			Paid:            event.Type != "invoice.payment_failed",
		}
		if len(inv.Lines.Data) > 0 {
			out.PeriodStart = unixTime(inv.Lines.Data[0].Period.Start)
			out.PeriodEnd = unixTime(inv.Lines.Data[0].Period.End)
		}
		return out, nil

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		// Partial refunds leave the purchase completed.
		if !ch.Refunded || ch.PaymentIntent == "" {
			return model.Unhandled{EventMeta: meta}, nil
		}
		return model.ChargeRefunded{EventMeta: meta, PaymentRef: ch.PaymentIntent}, nil
	}
	return model.Unhandled{EventMeta: meta}, nil
}
