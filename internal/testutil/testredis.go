package testutil

import (
	"context"
	"testing"
	"time"

	"wagercore/internal/config"

	"github.com/redis/go-redis/v9"
)

// OpenTestRedis connects to TEST_REDIS_ADDR and skips the test when it is
// unset or unreachable.
func OpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	cfg, err := config.LoadTest()
	if err != nil || cfg.TestRedisAddr == "" {
		t.Skip("skip test redis: TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.TestRedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("skip test redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
