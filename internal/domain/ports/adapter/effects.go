package adapter

import (
	"context"
	"time"
)

// AchievementChecker is the achievement subsystem entry point. key is unique
// per effect and must be used by the consumer to drop replays.
type AchievementChecker interface {
	CheckAchievements(ctx context.Context, key, userID, trigger string, attrs map[string]string) error
}

// EnrollmentCounter increments a program's enrollment count once per key.
type EnrollmentCounter interface {
	IncrementEnrollment(ctx context.Context, key, programID string) error
}

// EffectWaker nudges the effect relay after a commit so new outbox rows are
// picked up before the next poll. Wake must never block.
type EffectWaker interface {
	Wake()
}

// Locker is a short-lived distributed mutex.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}
