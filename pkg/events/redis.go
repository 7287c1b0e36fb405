package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// OpenRedis parses a redis:// URL and verifies the server is reachable.
func OpenRedis(ctx context.Context, url string) (*goredis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisCounterStore is a CounterStore backed by Redis INCR.
type RedisCounterStore struct {
	rdb *goredis.Client
}

// NewRedisCounterStore wraps an open client.
func NewRedisCounterStore(rdb *goredis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// Incr implements CounterStore.
func (s *RedisCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis INCR %s: %w", key, err)
	}
	return n, nil
}

// Get implements CounterStore.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return n, nil
}

// raiseScript sets KEYS[1] to ARGV[1] unless it already holds more.
var raiseScript = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call('SET', KEYS[1], floor)
  return floor
end
return cur
`)

// Raise implements CounterRaiser.
func (s *RedisCounterStore) Raise(ctx context.Context, key string, floor int64) error {
	if err := raiseScript.Run(ctx, s.rdb, []string{key}, floor).Err(); err != nil {
		return fmt.Errorf("redis raise %s: %w", key, err)
	}
	return nil
}

// Reset deletes the counter of taskID. Used by retention.
func (s *RedisCounterStore) Reset(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, SequenceKey(taskID)).Err()
}

// Set forces the counter of taskID to n. Test scaffolding.
func (s *RedisCounterStore) Set(ctx context.Context, taskID string, n int64) error {
	return s.rdb.Set(ctx, SequenceKey(taskID), n, 0).Err()
}

// GroupTracker records which users currently hold a session in a group,
// in Redis sets keyed group_members:{group}.
type GroupTracker struct {
	rdb *goredis.Client
}

// NewGroupTracker wraps an open client.
func NewGroupTracker(rdb *goredis.Client) *GroupTracker {
	return &GroupTracker{rdb: rdb}
}

func groupMembersKey(group string) string {
	return "group_members:" + group
}

// Add records userID as present in group.
func (t *GroupTracker) Add(ctx context.Context, group string, userID int64) error {
	return t.rdb.SAdd(ctx, groupMembersKey(group), userID).Err()
}

// Remove records userID as gone from group.
func (t *GroupTracker) Remove(ctx context.Context, group string, userID int64) error {
	return t.rdb.SRem(ctx, groupMembersKey(group), userID).Err()
}

// Members returns the users present in group.
func (t *GroupTracker) Members(ctx context.Context, group string) ([]int64, error) {
	var ids []int64
	if err := t.rdb.SMembers(ctx, groupMembersKey(group)).ScanSlice(&ids); err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %s: %w", group, err)
	}
	return ids, nil
}
