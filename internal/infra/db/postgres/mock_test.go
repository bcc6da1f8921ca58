//go:build !integration

package postgres

import (
	"context"
	"time"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/repository"
	red "entitlement-service/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerUserRepo mocks the database repository that the User decorator wraps.
type mockInnerUserRepo struct {
	SaveFunc                         func(ctx context.Context, tx repository.Tx, u *model.User) error
	FindByIDFunc                     func(ctx context.Context, tx repository.Tx, id string) (*model.User, error)
	FindByCustomerRefFunc            func(ctx context.Context, tx repository.Tx, ref string) (*model.User, error)
	SetCustomerRefIfEmptyFunc        func(ctx context.Context, tx repository.Tx, userID, ref string) (string, error)
	UpdateSubscriptionProjectionFunc func(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error
}

func (m *mockInnerUserRepo) Save(ctx context.Context, tx repository.Tx, u *model.User) error {
	return m.SaveFunc(ctx, tx, u)
}
func (m *mockInnerUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	return m.FindByIDFunc(ctx, tx, id)
}
func (m *mockInnerUserRepo) FindByCustomerRef(ctx context.Context, tx repository.Tx, ref string) (*model.User, error) {
	return m.FindByCustomerRefFunc(ctx, tx, ref)
}
func (m *mockInnerUserRepo) SetCustomerRefIfEmpty(ctx context.Context, tx repository.Tx, userID, ref string) (string, error) {
	return m.SetCustomerRefIfEmptyFunc(ctx, tx, userID, ref)
}
func (m *mockInnerUserRepo) UpdateSubscriptionProjection(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error {
	return m.UpdateSubscriptionProjectionFunc(ctx, tx, userID, tier, status)
}

// mockRedisClient mocks our Redis client wrapper.
type mockRedisClient struct {
	GetFunc        func(ctx context.Context, key string) (string, error)
	SetFunc        func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNXFunc      func(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	DelFunc        func(ctx context.Context, keys ...string) error
	DelIfEqualFunc func(ctx context.Context, key, value string) (bool, error)
	PingFunc       func(ctx context.Context) error
	IncrWindowFunc func(ctx context.Context, key string, window time.Duration) (int64, error)
	CloseFunc      func() error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return m.SetNXFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	return m.DelFunc(ctx, keys...)
}
func (m *mockRedisClient) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	return m.DelIfEqualFunc(ctx, key, value)
}
func (m *mockRedisClient) Ping(ctx context.Context) error { return m.PingFunc(ctx) }
func (m *mockRedisClient) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return m.IncrWindowFunc(ctx, key, window)
}
func (m *mockRedisClient) Close() error { return m.CloseFunc() }
