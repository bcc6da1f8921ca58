package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ CustomerUseCase = (*customerUC)(nil)

// CustomerUseCase resolves the processor customer for a user, creating it on
// first use.
type CustomerUseCase interface {
	EnsureCustomer(ctx context.Context, userID string) (string, error)
}

const (
	customerLockTTL = 30 * time.Second
	// customerFlightTimeout bounds a shared creation that no single caller owns.
	customerFlightTimeout = 30 * time.Second
)

type customerUC struct {
	users   repository.UserRepository
	gateway adapter.PaymentGateway
	locker  adapter.Locker
	flight  singleflight.Group
	log     *zerolog.Logger
}

func NewCustomerUseCase(users repository.UserRepository, gateway adapter.PaymentGateway, locker adapter.Locker, logger *zerolog.Logger) *customerUC {
	return &customerUC{users: users, gateway: gateway, locker: locker, log: logger}
}

// EnsureCustomer is safe under concurrent first purchases for the same user:
// callers in this process share one flight, other processes are serialized by
// the user lock, and the final write is a compare-and-set, so a late creator
// adopts the stored ref instead of keeping its own. The shared flight runs
// detached from any one caller, so a caller that gives up does not fail the
// others.
func (u *customerUC) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	defer logging.TraceDuration(u.log, "CustomerUC.EnsureCustomer")()

	ch := u.flight.DoChan(userID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), customerFlightTimeout)
		defer cancel()
		return u.ensure(fctx, userID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (u *customerUC) ensure(ctx context.Context, userID string) (string, error) {
	user, err := u.users.FindByID(ctx, repository.NoTX, userID)
	if err != nil {
		return "", err
	}
	if ref := user.CustomerRef(); ref != "" {
		return ref, nil
	}

	key := "lock:customer:" + userID
	token, lockErr := u.locker.TryLock(ctx, key, customerLockTTL)
	if lockErr != nil {
		// The CAS below still prevents a second stored ref.
		u.log.Warn().Err(lockErr).Str("user_id", userID).Msg("customer lock not acquired; relying on compare-and-set")
	} else {
		defer func() {
			if err := u.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				u.log.Warn().Err(err).Str("user_id", userID).Msg("customer lock release failed")
			}
		}()
		// Re-read: the previous holder may have finished while we waited.
		user, err = u.users.FindByID(ctx, repository.NoTX, userID)
		if err != nil {
			return "", err
		}
		if ref := user.CustomerRef(); ref != "" {
			return ref, nil
		}
	}

	created, err := u.gateway.CreateCustomer(ctx, user)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	stored, err := u.users.SetCustomerRefIfEmpty(ctx, repository.NoTX, userID, created)
	if err != nil {
		return "", err
	}
	if stored == "" {
		return "", errors.Join(domain.ErrOperationFailed, fmt.Errorf("customer ref for user %s not stored", userID))
	}
	if stored != created {
		u.log.Info().
			Str("user_id", userID).
			Str("adopted", stored).
			Str("orphaned", created).
			Msg("concurrent customer creation; adopted existing customer ref")
	}
	return stored, nil
}
