// Package lock provides a Redis-backed mutual exclusion lock shared by every
// replica of the service.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = 5 * time.Minute

// release deletes the key only if it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker acquires short-lived exclusive locks with SET NX PX.
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisLocker creates a locker. A ttl <= 0 selects DefaultTTL.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger.Named("redis-lock")}
}

// TryLock attempts to take key without waiting. The returned unlock func is
// only non-nil when ok is true and releases the key if it is still ours.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock SETNX %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// the caller's ctx may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}
	return unlock, true, nil
}
