// File: internal/usecase/purchase_uc.go
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
	"entitlement-service/internal/infra/metrics"
)

// Compile-time check
var _ PurchaseUseCase = (*purchaseUC)(nil)

// PurchaseUseCase owns the purchase state machine:
// pending -> {completed, failed}, failed -> completed, completed -> refunded.
type PurchaseUseCase interface {
	// Create starts a pending purchase, or returns the user's open pending
	// purchase of the program; ErrAlreadyOwned if the program is owned.
	Create(ctx context.Context, userID, programID string, amount int64, currency string) (*model.Purchase, error)
	// Checkout creates the purchase and its payment intent in one call. A
	// repeated checkout resumes the open purchase and its intent.
	Checkout(ctx context.Context, userID, programID string) (*CheckoutResult, error)

	// MarkCompleted locates the purchase by id (when given) or payment ref and
	// completes it. applied is false for an idempotent replay. A payment for a
	// program the user already owns through another purchase is refunded, the
	// purchase is voided and the error wraps ErrAlreadyOwned.
	MarkCompleted(ctx context.Context, purchaseID, paymentRef string) (p *model.Purchase, applied bool, err error)
	// MarkFailed fails a pending purchase; any other state is left untouched.
	MarkFailed(ctx context.Context, purchaseID, paymentRef string) (p *model.Purchase, applied bool, err error)

	// Refund refunds a completed purchase inside the refund window.
	Refund(ctx context.Context, userID, purchaseID string, now time.Time) (*model.Purchase, error)
	// ApplyExternalRefund records a refund that the processor already holds.
	ApplyExternalRefund(ctx context.Context, purchaseID, paymentRef string) (p *model.Purchase, applied bool, err error)
	// RepairRefund resolves a purchase left with a refund marker by a crash
	// between the gateway call and the local write.
	RepairRefund(ctx context.Context, p *model.Purchase) (repaired bool, err error)

	Get(ctx context.Context, userID, purchaseID string) (*model.Purchase, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Purchase, error)
}

// CheckoutResult is handed back to the client to finish payment in-app.
type CheckoutResult struct {
	Purchase     *model.Purchase `json:"purchase"`
	ClientSecret string          `json:"client_secret"`
}

type purchaseUC struct {
	purchases repository.PurchaseRepository
	programs  repository.ProgramRepository
	outbox    repository.OutboxRepository
	customers CustomerUseCase
	gateway   adapter.PaymentGateway
	tm        repository.TransactionManager
	waker     adapter.EffectWaker
	log       *zerolog.Logger
	now       func() time.Time
}

func NewPurchaseUseCase(
	purchases repository.PurchaseRepository,
	programs repository.ProgramRepository,
	outbox repository.OutboxRepository,
	customers CustomerUseCase,
	gateway adapter.PaymentGateway,
	tm repository.TransactionManager,
	waker adapter.EffectWaker,
	logger *zerolog.Logger,
) *purchaseUC {
	if waker == nil {
		waker = noopWaker{}
	}
	return &purchaseUC{
		purchases: purchases,
		programs:  programs,
		outbox:    outbox,
		customers: customers,
		gateway:   gateway,
		tm:        tm,
		waker:     waker,
		log:       logger,
		now:       time.Now,
	}
}

func (u *purchaseUC) Create(ctx context.Context, userID, programID string, amount int64, currency string) (*model.Purchase, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.Create")()

	p, err := model.NewPurchase(userID, programID, amount, currency, u.now())
	if err != nil {
		return nil, err
	}
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.tm.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		owned, err := u.purchases.FindCompleted(ctx, tx, userID, programID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if owned != nil {
			return domain.ErrAlreadyOwned
		}
		open, err := u.purchases.FindPending(ctx, tx, userID, programID)
		switch {
		case err == nil:
			p = open
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		return u.purchases.Save(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// checkoutAttempts bounds the restarts after an open purchase turns out to
// be settled at the processor.
const checkoutAttempts = 2

func (u *purchaseUC) Checkout(ctx context.Context, userID, programID string) (*CheckoutResult, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.Checkout")()

	program, err := u.programs.FindByID(ctx, repository.NoTX, programID)
	if err != nil {
		return nil, err
	}
	customerRef, err := u.customers.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		p, err := u.Create(ctx, userID, programID, program.Price, program.Currency)
		if err != nil {
			return nil, err
		}
		if p.PaymentRef() == "" {
			return u.startPayment(ctx, p, customerRef)
		}
		res, err := u.resumePayment(ctx, p)
		if !errors.Is(err, errCheckoutSettled) {
			return res, err
		}
		if attempt+1 >= checkoutAttempts {
			return nil, fmt.Errorf("checkout of %s kept racing settled purchases: %w", programID, domain.ErrStateConflict)
		}
	}
}

var errCheckoutSettled = errors.New("open purchase already settled")

// startPayment creates the intent for a purchase without one. The intent is
// keyed by purchase id at the processor, so concurrent checkouts of the same
// open purchase attach the same ref.
func (u *purchaseUC) startPayment(ctx context.Context, p *model.Purchase, customerRef string) (*CheckoutResult, error) {
	intent, err := u.gateway.CreatePaymentIntent(ctx, p.Amount, p.Currency, customerRef, map[string]string{
		"purchase_id": p.ID,
		"user_id":     p.UserID,
		"program_id":  p.ProgramID,
	})
	if err != nil {
		// The purchase stays pending without a ref; the stale-purchase sweep fails it.
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	if err := u.purchases.AttachPaymentRef(ctx, repository.NoTX, p.ID, intent.Ref); err != nil {
		return nil, err
	}
	ref := intent.Ref
	p.ExternalPaymentRef = &ref
	return &CheckoutResult{Purchase: p, ClientSecret: intent.ClientSecret}, nil
}

// resumePayment hands back the open intent of a repeated checkout. An intent
// that already settled is applied first: a paid one completes the purchase
// and reports ErrAlreadyOwned, a cancelled one fails it so a fresh purchase
// can start.
func (u *purchaseUC) resumePayment(ctx context.Context, p *model.Purchase) (*CheckoutResult, error) {
	ref := p.PaymentRef()
	intent, err := u.gateway.RetrievePaymentIntent(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch intent.Status {
	case adapter.PaymentIntentSucceeded:
		if _, _, err := u.MarkCompleted(ctx, p.ID, ref); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("purchase %s already paid: %w", p.ID, domain.ErrAlreadyOwned)
	case adapter.PaymentIntentFailed:
		if _, _, err := u.MarkFailed(ctx, p.ID, ref); err != nil {
			return nil, err
		}
		return nil, errCheckoutSettled
	}
	u.log.Info().Str("purchase_id", p.ID).Msg("checkout resumed open purchase")
	return &CheckoutResult{Purchase: p, ClientSecret: intent.ClientSecret}, nil
}

// locate finds the purchase by explicit id first, then by payment ref.
func (u *purchaseUC) locate(ctx context.Context, tx repository.Tx, purchaseID, paymentRef string) (*model.Purchase, error) {
	switch {
	case purchaseID != "":
		return u.purchases.FindByID(ctx, tx, purchaseID)
	case paymentRef != "":
		return u.purchases.FindByPaymentRef(ctx, tx, paymentRef)
	}
	return nil, domain.ErrInvalidArgument
}

func (u *purchaseUC) MarkCompleted(ctx context.Context, purchaseID, paymentRef string) (*model.Purchase, bool, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.MarkCompleted")()

	var (
		out     *model.Purchase
		applied bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.locate(ctx, tx, purchaseID, paymentRef)
		if err != nil {
			return err
		}
		from := p.Status
		ok, err := p.Complete(paymentRef, u.now())
		if err != nil {
			return err
		}
		out = p
		if !ok {
			return nil
		}
		won, err := u.purchases.Transition(ctx, tx, p, from)
		if err != nil {
			return err
		}
		if !won {
			// Another writer moved the record first; report what is stored now.
			cur, err := u.purchases.FindByID(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			out = cur
			if cur.Status == model.PurchaseStatusCompleted || cur.Status == model.PurchaseStatusRefunded {
				return nil
			}
			return fmt.Errorf("purchase %s changed to %s concurrently: %w", p.ID, cur.Status, domain.ErrStateConflict)
		}
		applied = true
		return u.outbox.Enqueue(ctx, tx, model.PurchaseCompletedEffects(p, u.now())...)
	})
	if errors.Is(err, domain.ErrAlreadyOwned) && out != nil {
		ref := paymentRef
		if ref == "" {
			ref = out.PaymentRef()
		}
		return u.voidDuplicate(ctx, out.ID, ref)
	}
	if err != nil {
		return nil, false, err
	}
	if applied {
		u.waker.Wake()
		metrics.AddPaymentRevenue(out.Currency, out.Amount)
		u.log.Info().Str("purchase_id", out.ID).Str("payment_ref", out.PaymentRef()).Msg("purchase completed")
	} else {
		u.log.Debug().Str("purchase_id", out.ID).Str("status", string(out.Status)).Msg("purchase completion replayed")
	}
	return out, applied, nil
}

// voidDuplicate refunds a captured payment whose purchase cannot complete
// because the program is owned through another purchase, then closes the
// purchase as failed. The refund key is stable, so a retried delivery does
// not refund twice.
func (u *purchaseUC) voidDuplicate(ctx context.Context, purchaseID, paymentRef string) (*model.Purchase, bool, error) {
	if paymentRef == "" {
		return nil, false, fmt.Errorf("purchase %s duplicates an owned program: %w", purchaseID, domain.ErrAlreadyOwned)
	}
	res, err := u.gateway.CreateRefund(ctx, paymentRef, "duplicate-"+purchaseID)
	if err != nil {
		return nil, false, fmt.Errorf("refund duplicate payment for purchase %s: %w", purchaseID, err)
	}

	var out *model.Purchase
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.purchases.FindByID(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		out = p
		if p.Voided() {
			return nil
		}
		from := p.Status
		if p.ExternalPaymentRef == nil {
			p.ExternalPaymentRef = &paymentRef
		}
		if err := p.VoidDuplicate(u.now()); err != nil {
			return err
		}
		won, err := u.purchases.Transition(ctx, tx, p, from)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("purchase %s changed concurrently while voiding: %w", p.ID, domain.ErrStateConflict)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	metrics.IncTransition("purchase", string(model.PurchaseStatusFailed), "duplicate", "applied")
	u.log.Error().
		Str("purchase_id", purchaseID).
		Str("payment_ref", paymentRef).
		Str("refund_id", res.ID).
		Msg("duplicate payment for an owned program refunded")
	return out, false, fmt.Errorf("purchase %s duplicates an owned program; payment refunded: %w", purchaseID, domain.ErrAlreadyOwned)
}

func (u *purchaseUC) MarkFailed(ctx context.Context, purchaseID, paymentRef string) (*model.Purchase, bool, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.MarkFailed")()

	var (
		out     *model.Purchase
		applied bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.locate(ctx, tx, purchaseID, paymentRef)
		if err != nil {
			return err
		}
		out = p
		if !p.Fail(u.now()) {
			return nil
		}
		won, err := u.purchases.Transition(ctx, tx, p, model.PurchaseStatusPending)
		if err != nil {
			return err
		}
		if !won {
			cur, err := u.purchases.FindByID(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			out = cur
			return nil
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		u.log.Info().Str("purchase_id", out.ID).Msg("purchase failed")
	}
	return out, applied, nil
}

// Refund runs in three steps so a crash at any point is recoverable:
// persist a refund marker, call the gateway with an idempotency key, then
// write the refunded status. RepairRefund finishes or clears stale markers.
func (u *purchaseUC) Refund(ctx context.Context, userID, purchaseID string, now time.Time) (*model.Purchase, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.Refund")()

	var p *model.Purchase
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		p, err = u.purchases.FindByID(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if p.UserID != userID {
			return domain.ErrNotFound
		}
		if err := p.CheckRefundable(now); err != nil {
			return err
		}
		if p.PaymentRef() == "" {
			return fmt.Errorf("purchase %s has no payment ref: %w", p.ID, domain.ErrInvalidState)
		}
		p.RefundRequestedAt = &now
		return u.purchases.SetRefundRequested(ctx, tx, p.ID, &now)
	})
	if err != nil {
		return nil, err
	}

	res, err := u.gateway.CreateRefund(ctx, p.PaymentRef(), "refund-"+p.ID)
	if err != nil {
		u.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("gateway refund failed; marker left for repair pass")
		return nil, fmt.Errorf("create refund: %w", err)
	}
	u.log.Info().Str("purchase_id", p.ID).Str("refund_id", res.ID).Str("refund_status", res.Status).Msg("gateway refund accepted")

	out, _, err := u.markRefunded(ctx, p.ID, now)
	return out, err
}

func (u *purchaseUC) markRefunded(ctx context.Context, purchaseID string, now time.Time) (*model.Purchase, bool, error) {
	var (
		out     *model.Purchase
		applied bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.purchases.FindByID(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		out = p
		if p.Status == model.PurchaseStatusRefunded {
			return nil
		}
		if err := p.MarkRefunded(now); err != nil {
			return err
		}
		won, err := u.purchases.Transition(ctx, tx, p, model.PurchaseStatusCompleted)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("purchase %s changed concurrently during refund: %w", p.ID, domain.ErrStateConflict)
		}
		applied = true
		return u.outbox.Enqueue(ctx, tx, model.PurchaseRefundedEffects(p, now)...)
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		u.waker.Wake()
	}
	return out, applied, nil
}

func (u *purchaseUC) ApplyExternalRefund(ctx context.Context, purchaseID, paymentRef string) (*model.Purchase, bool, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.ApplyExternalRefund")()

	p, err := u.locate(ctx, repository.NoTX, purchaseID, paymentRef)
	if err != nil {
		return nil, false, err
	}
	if p.Status != model.PurchaseStatusCompleted {
		return p, false, nil
	}
	return u.markRefunded(ctx, p.ID, u.now())
}

func (u *purchaseUC) RepairRefund(ctx context.Context, p *model.Purchase) (bool, error) {
	defer logging.TraceDuration(u.log, "PurchaseUC.RepairRefund")()

	if p.Status != model.PurchaseStatusCompleted || p.RefundRequestedAt == nil {
		return false, nil
	}
	refunded, err := u.gateway.PaymentRefunded(ctx, p.PaymentRef())
	if err != nil {
		return false, err
	}
	if !refunded {
		// The gateway never took the refund; drop the marker so the owner can retry.
		u.log.Warn().Str("purchase_id", p.ID).Msg("refund marker without gateway refund; clearing")
		return false, u.purchases.SetRefundRequested(ctx, repository.NoTX, p.ID, nil)
	}
	_, applied, err := u.markRefunded(ctx, p.ID, u.now())
	if err != nil {
		return false, err
	}
	if applied {
		u.log.Warn().Str("purchase_id", p.ID).Msg("repaired refund: gateway refunded, local record was completed")
	}
	return applied, nil
}

func (u *purchaseUC) Get(ctx context.Context, userID, purchaseID string) (*model.Purchase, error) {
	p, err := u.purchases.FindByID(ctx, repository.NoTX, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (u *purchaseUC) ListByUser(ctx context.Context, userID string) ([]*model.Purchase, error) {
	return u.purchases.ListByUser(ctx, repository.NoTX, userID)
}

type noopWaker struct{}

func (noopWaker) Wake() {}
