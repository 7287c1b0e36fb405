package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	sharedRedisURL string
	redisOnce      sync.Once
	redisErr       error
)

// NewTestRedis returns a client for a flushed Redis database. In CI it uses
// CI_REDIS_URL, locally a shared testcontainer. Skipped in -short mode.
func NewTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}

	opts, err := goredis.ParseURL(getOrCreateSharedRedis(t))
	require.NoError(t, err)
	rdb := goredis.NewClient(opts)

	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())
	require.NoError(t, rdb.FlushDB(ctx).Err())

	t.Cleanup(func() {
		_ = rdb.Close()
	})
	return rdb
}

func getOrCreateSharedRedis(t *testing.T) string {
	if url := os.Getenv("CI_REDIS_URL"); url != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return url
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			redisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}
		url, err := container.ConnectionString(ctx)
		if err != nil {
			redisErr = fmt.Errorf("failed to get redis connection string: %w", err)
			return
		}
		sharedRedisURL = url
	})

	require.NoError(t, redisErr, "Failed to setup shared redis container")
	return sharedRedisURL
}
