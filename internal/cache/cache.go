package cache

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld means another worker is processing the same key right now.
var ErrLockHeld = errors.New("lock held by another worker")

// CorrelationCache holds a short-lived marker for payment requests whose
// callback was applied, so provider retries are acknowledged without a
// database round trip. A miss means nothing; the store decides.
type CorrelationCache interface {
	MarkResolved(ctx context.Context, token string, status string, ttl time.Duration) error
	Resolved(ctx context.Context, token string) (status string, ok bool, err error)
}

// Locker serializes work on one key across instances.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type NoopCorrelationCache struct{}

func (NoopCorrelationCache) MarkResolved(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

func (NoopCorrelationCache) Resolved(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

// NoopLocker always grants the lock. Single-instance deployments rely on the
// store's row locks alone.
type NoopLocker struct{}

func (NoopLocker) Lock(_ context.Context, _ string, _ time.Duration) (func(), error) {
	return func() {}, nil
}
