package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed worker can block a workspace.
const DefaultLockTTL = 15 * time.Minute

// Locker guards a workspace run across replicas. TryLock returns a release
// func when the lock was taken, or nil when someone else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// WorkspaceLockKey is the lock key of a workspace run.
func WorkspaceLockKey(workspaceID int64) string {
	return fmt.Sprintf("proc:ws:%d", workspaceID)
}

// NopLocker always grants the lock. Used without Redis; the claim CAS
// still prevents duplicate runs.
type NopLocker struct{}

// TryLock implements Locker.
func (NopLocker) TryLock(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-taken by another worker is never released by us.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	rdb *goredis.Client
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb *goredis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to take lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return func() {
		// The run context may be canceled by now.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err()
	}, nil
}
