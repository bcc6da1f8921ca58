package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/entitlement"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/logging"
)

// Compile-time check
var _ EntitlementUseCase = (*entitlementUC)(nil)

// EntitlementUseCase loads the records the evaluator needs. Access is always
// decided from the subscription and purchase records, never from the user
// projection.
type EntitlementUseCase interface {
	Summary(ctx context.Context, userID string) (entitlement.Entitlements, error)
	CurrentTier(ctx context.Context, userID string) (model.Tier, error)
	CanAccessProgram(ctx context.Context, userID, programID string) (bool, error)
}

type entitlementUC struct {
	subs      repository.SubscriptionRepository
	purchases repository.PurchaseRepository
	programs  repository.ProgramRepository
	log       *zerolog.Logger
	now       func() time.Time
}

func NewEntitlementUseCase(subs repository.SubscriptionRepository, purchases repository.PurchaseRepository, programs repository.ProgramRepository, logger *zerolog.Logger) *entitlementUC {
	return &entitlementUC{subs: subs, purchases: purchases, programs: programs, log: logger, now: time.Now}
}

func (u *entitlementUC) live(ctx context.Context, userID string) (*model.Subscription, error) {
	s, err := u.subs.FindLiveByUser(ctx, repository.NoTX, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (u *entitlementUC) Summary(ctx context.Context, userID string) (entitlement.Entitlements, error) {
	defer logging.TraceDuration(u.log, "EntitlementUC.Summary")()

	sub, err := u.live(ctx, userID)
	if err != nil {
		return entitlement.Entitlements{}, err
	}
	purchases, err := u.purchases.ListByUser(ctx, repository.NoTX, userID)
	if err != nil {
		return entitlement.Entitlements{}, err
	}
	return entitlement.Evaluate(userID, sub, purchases, u.now()), nil
}

func (u *entitlementUC) CurrentTier(ctx context.Context, userID string) (model.Tier, error) {
	sub, err := u.live(ctx, userID)
	if err != nil {
		return model.TierFree, err
	}
	return entitlement.EffectiveTier(sub, u.now()), nil
}

func (u *entitlementUC) CanAccessProgram(ctx context.Context, userID, programID string) (bool, error) {
	defer logging.TraceDuration(u.log, "EntitlementUC.CanAccessProgram")()

	program, err := u.programs.FindByID(ctx, repository.NoTX, programID)
	if err != nil {
		return false, err
	}
	sub, err := u.live(ctx, userID)
	if err != nil {
		return false, err
	}
	purchases, err := u.purchases.ListByUser(ctx, repository.NoTX, userID)
	if err != nil {
		return false, err
	}
	return entitlement.CanAccessProgram(purchases, sub, program, u.now()), nil
}
