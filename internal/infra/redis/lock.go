// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"time"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/ports/adapter"

	"github.com/google/uuid"
)

var _ adapter.Locker = (*RedisLocker)(nil)

type RedisLocker struct {
	cli     RedisClient
	tries   int
	backoff time.Duration
}

func NewLocker(c RedisClient) *RedisLocker {
	return &RedisLocker{cli: c, tries: 5, backoff: 50 * time.Millisecond}
}

// TryLock retries briefly, then gives up with domain.ErrLockNotAcquired.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	for i := 0; i < l.tries; i++ {
		ok, err := l.cli.SetNX(ctx, key, token, ttl)
		if err == nil && ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.backoff):
		}
	}
	return "", domain.ErrLockNotAcquired
}

// Unlock releases key only if it still holds token, so an expired holder
// cannot drop a lock taken over by someone else.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := l.cli.DelIfEqual(ctx, key, token)
	return err
}
