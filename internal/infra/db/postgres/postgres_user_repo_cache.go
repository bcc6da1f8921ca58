package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
	"entitlement-service/internal/infra/metrics"
	red "entitlement-service/internal/infra/redis"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var _ repository.UserRepository = (*userRepoCacheDecorator)(nil)

// userRepoCacheDecorator caches non-transactional FindByID reads. Reads inside
// a transaction always go to the database.
type userRepoCacheDecorator struct {
	inner repository.UserRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewUserRepoCacheDecorator(inner repository.UserRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.UserRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &userRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   ttl,
		log:   logger,
	}
}

func userKey(id string) string { return fmt.Sprintf("user:id:%s", id) }

// invalidate drops the key before the write and again once the write is
// visible to other readers: right away without a transaction, after commit
// with one. A reader that refilled the key in between does not keep the
// old row.
func (d *userRepoCacheDecorator) invalidate(ctx context.Context, tx repository.Tx, id string, write func() error) error {
	key := userKey(id)
	_ = d.cache.Del(ctx, key)
	if err := write(); err != nil {
		return err
	}
	if tx == nil {
		_ = d.cache.Del(ctx, key)
		return nil
	}
	repository.AfterCommit(ctx, func() {
		if err := d.cache.Del(context.WithoutCancel(ctx), key); err != nil {
			d.log.Warn().Err(err).Str("key", key).Msg("user cache invalidation failed")
		}
	})
	return nil
}

func (d *userRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, u *model.User) error {
	return d.invalidate(ctx, tx, u.ID, func() error { return d.inner.Save(ctx, tx, u) })
}

func (d *userRepoCacheDecorator) SetCustomerRefIfEmpty(ctx context.Context, tx repository.Tx, userID, ref string) (string, error) {
	var stored string
	err := d.invalidate(ctx, tx, userID, func() error {
		var err error
		stored, err = d.inner.SetCustomerRefIfEmpty(ctx, tx, userID, ref)
		return err
	})
	return stored, err
}

func (d *userRepoCacheDecorator) UpdateSubscriptionProjection(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error {
	return d.invalidate(ctx, tx, userID, func() error {
		return d.inner.UpdateSubscriptionProjection(ctx, tx, userID, tier, status)
	})
}

func (d *userRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	if tx != nil {
		metrics.IncCacheRequest("user", "bypass")
		return d.inner.FindByID(ctx, tx, id)
	}

	key := userKey(id)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var user model.User
		if json.Unmarshal([]byte(val), &user) == nil {
			metrics.IncCacheRequest("user", "hit")
			return &user, nil
		}
	} else if err != redis.Nil {
		d.log.Warn().Err(err).Str("key", key).Msg("user cache read failed")
	}

	metrics.IncCacheRequest("user", "miss")
	user, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if bytes, err := json.Marshal(user); err == nil {
		_ = d.cache.Set(ctx, key, bytes, d.ttl)
	}
	return user, nil
}

// FindByCustomerRef is only used on the webhook path, which must not act on
// a stale row.
func (d *userRepoCacheDecorator) FindByCustomerRef(ctx context.Context, tx repository.Tx, ref string) (*model.User, error) {
	return d.inner.FindByCustomerRef(ctx, tx, ref)
}
