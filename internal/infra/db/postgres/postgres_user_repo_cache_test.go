//go:build !integration

package postgres

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func TestUserRepoCacheDecorator(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	user := &model.User{ID: "user-123", Email: "a@example.com", SubscriptionTier: model.TierPremium}

	t.Run("FindByID should fetch from DB and set cache on miss", func(t *testing.T) {
		// Arrange
		innerRepoCalled := false
		var cacheSets sync.Map

		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) {
				return "", redis.Nil // Simulate cache miss
			},
			SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
				cacheSets.Store(key, value)
				return nil
			},
		}
		mockInnerRepo := &mockInnerUserRepo{
			FindByIDFunc: func(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
				innerRepoCalled = true
				return user, nil
			},
		}

		decorator := NewUserRepoCacheDecorator(mockInnerRepo, mockRedis, time.Minute, &logger)

		// Act
		result, err := decorator.FindByID(ctx, nil, "user-123")

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !innerRepoCalled {
			t.Error("inner repository should be called on a cache miss")
		}
		if _, ok := cacheSets.Load("user:id:user-123"); !ok {
			t.Error("expected the cache to be warmed")
		}
		if result == nil || result.ID != "user-123" {
			t.Error("did not return the correct user from the inner repository")
		}
	})

	t.Run("FindByID should serve a hit without touching the DB", func(t *testing.T) {
		payload, _ := json.Marshal(user)
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) { return string(payload), nil },
		}
		mockInnerRepo := &mockInnerUserRepo{
			FindByIDFunc: func(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
				t.Fatal("inner repository must not be called on a hit")
				return nil, nil
			},
		}
		decorator := NewUserRepoCacheDecorator(mockInnerRepo, mockRedis, time.Minute, &logger)

		result, err := decorator.FindByID(ctx, nil, "user-123")
		if err != nil || result.SubscriptionTier != model.TierPremium {
			t.Fatalf("unexpected result %+v (%v)", result, err)
		}
	})

	t.Run("reads inside a transaction bypass the cache", func(t *testing.T) {
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) {
				t.Fatal("cache must not be read inside a transaction")
				return "", nil
			},
		}
		mockInnerRepo := &mockInnerUserRepo{
			FindByIDFunc: func(ctx context.Context, tx repository.Tx, id string) (*model.User, error) { return user, nil },
		}
		decorator := NewUserRepoCacheDecorator(mockInnerRepo, mockRedis, time.Minute, &logger)

		if _, err := decorator.FindByID(ctx, struct{}{}, "user-123"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("writes invalidate the key", func(t *testing.T) {
		var deletes int
		var mu sync.Mutex
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error {
				mu.Lock()
				defer mu.Unlock()
				for _, k := range keys {
					if k == "user:id:user-123" {
						deletes++
					}
				}
				return nil
			},
		}
		mockInnerRepo := &mockInnerUserRepo{
			SaveFunc: func(ctx context.Context, tx repository.Tx, u *model.User) error { return nil },
			UpdateSubscriptionProjectionFunc: func(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error {
				return nil
			},
			SetCustomerRefIfEmptyFunc: func(ctx context.Context, tx repository.Tx, userID, ref string) (string, error) {
				return ref, nil
			},
		}
		decorator := NewUserRepoCacheDecorator(mockInnerRepo, mockRedis, time.Minute, &logger)

		if err := decorator.Save(ctx, nil, user); err != nil {
			t.Fatal(err)
		}
		if err := decorator.UpdateSubscriptionProjection(ctx, nil, "user-123", model.TierBasic, "active"); err != nil {
			t.Fatal(err)
		}
		if ref, err := decorator.SetCustomerRefIfEmpty(ctx, nil, "user-123", "cus_1"); err != nil || ref != "cus_1" {
			t.Fatalf("unexpected %s (%v)", ref, err)
		}
		if deletes != 6 {
			t.Errorf("expected 6 invalidations, got %d", deletes)
		}
	})

	t.Run("write inside a transaction invalidates again after commit", func(t *testing.T) {
		var deletes int
		var mu sync.Mutex
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error {
				mu.Lock()
				defer mu.Unlock()
				deletes += len(keys)
				return nil
			},
		}
		mockInnerRepo := &mockInnerUserRepo{
			UpdateSubscriptionProjectionFunc: func(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error {
				return nil
			},
		}
		decorator := NewUserRepoCacheDecorator(mockInnerRepo, mockRedis, time.Minute, &logger)
		txCtx, commit := repository.WithCommitHooks(ctx)

		// Act
		if err := decorator.UpdateSubscriptionProjection(txCtx, struct{}{}, "user-123", model.TierElite, "active"); err != nil {
			t.Fatal(err)
		}

		// Assert
		if deletes != 1 {
			t.Fatalf("expected only the pre-write invalidation before commit, got %d", deletes)
		}
		commit()
		if deletes != 2 {
			t.Errorf("expected a second invalidation after commit, got %d", deletes)
		}
	})

	t.Run("failed write skips the post-write invalidation", func(t *testing.T) {
		var deletes int
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error { deletes++; return nil },
		}
		mockInnerRepo := &mockInnerUserRepo{
			SaveFunc: func(ctx context.Context, tx repository.Tx, u *model.User) error { return io.ErrUnexpectedEOF },
		}
		decorator := NewUserRepoCacheDecorator(mockInnerRepo, mockRedis, time.Minute, &logger)
		txCtx, commit := repository.WithCommitHooks(ctx)

		if err := decorator.Save(txCtx, struct{}{}, user); err == nil {
			t.Fatal("expected the write error")
		}
		commit()
		if deletes != 1 {
			t.Errorf("expected 1 invalidation, got %d", deletes)
		}
	})
}
