package usecase

import (
	"context"
	"errors"
	"strings"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/logging"
	"entitlement-service/internal/infra/metrics"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ UserUseCase = (*userUC)(nil)

// UserUseCase exposes the account operations the API needs.
type UserUseCase interface {
	// RegisterOrFetch returns the user with id, creating it on first sight.
	RegisterOrFetch(ctx context.Context, id, email string) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
	// LinkTelegram stores the chat that receives purchase notifications.
	LinkTelegram(ctx context.Context, id string, chatID int64) error
}

type userUC struct {
	users repository.UserRepository
	tm    repository.TransactionManager
	log   *zerolog.Logger
}

func NewUserUseCase(users repository.UserRepository, tm repository.TransactionManager, logger *zerolog.Logger) *userUC {
	return &userUC{
		users: users,
		tm:    tm,
		log:   logger,
	}
}

func (u *userUC) RegisterOrFetch(ctx context.Context, id, email string) (*model.User, error) {
	defer logging.TraceDuration(u.log, "UserUC.RegisterOrFetch")()

	if strings.TrimSpace(id) == "" {
		return nil, domain.ErrInvalidArgument
	}
	var (
		user    *model.User
		created bool
	)
	txOpts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	err := u.tm.WithTx(ctx, txOpts, func(ctx context.Context, tx repository.Tx) error {
		usr, err := u.users.FindByID(ctx, tx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if usr != nil {
			if email != "" && usr.Email != email {
				usr.Email = email
				if err := u.users.Save(ctx, tx, usr); err != nil {
					u.log.Error().Err(err).Str("user_id", id).Msg("failed to update user")
					return err
				}
			}
			user = usr
			return nil
		}

		nu, err := model.NewUser(id, email)
		if err != nil {
			return err
		}
		if err := u.users.Save(ctx, tx, nu); err != nil {
			return err
		}
		user = nu
		created = true
		return nil
	})
	if err == nil && created {
		metrics.IncUsersRegistered()
		u.log.Info().Str("user_id", id).Msg("user registered")
	}
	return user, err
}

func (u *userUC) Get(ctx context.Context, id string) (*model.User, error) {
	defer logging.TraceDuration(u.log, "UserUC.Get")()
	return u.users.FindByID(ctx, repository.NoTX, id)
}

func (u *userUC) LinkTelegram(ctx context.Context, id string, chatID int64) error {
	defer logging.TraceDuration(u.log, "UserUC.LinkTelegram")()

	if chatID == 0 {
		return domain.ErrInvalidArgument
	}
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		usr, err := u.users.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		usr.TelegramChatID = &chatID
		return u.users.Save(ctx, tx, usr)
	})
}
