package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another worker holds the lock.
var ErrNotObtained = errors.New("lock not obtained")

// ItemLocker serializes workflow execution per item across processes.
type ItemLocker interface {
	Acquire(ctx context.Context, itemID string) (Release, error)
}

// Release frees an acquired lock.
type Release func(ctx context.Context) error

// RedisItemLocker implements ItemLocker on top of redislock.
type RedisItemLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisItemLocker constructs a locker with the provided TTL.
func NewRedisItemLocker(rdb *redis.Client, ttl time.Duration) *RedisItemLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisItemLocker{client: redislock.New(rdb), ttl: ttl}
}

// Acquire obtains the per-item lock or reports ErrNotObtained.
func (l *RedisItemLocker) Acquire(ctx context.Context, itemID string) (Release, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("item locker not initialized")
	}
	lock, err := l.client.Obtain(ctx, fmt.Sprintf("triage:item:%s", itemID), l.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain item lock: %w", err)
	}
	return func(ctx context.Context) error {
		return lock.Release(ctx)
	}, nil
}
