package devapi

import (
	"context"
	"log/slog"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		d := rl.Allow(ctx, "read|user:alice", 2, time.Minute)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
	}
	denied := rl.Allow(ctx, "read|user:alice", 2, time.Minute)
	assert.False(t, denied.Allowed)
	assert.Equal(t, now.Add(time.Minute), denied.Reset)

	assert.True(t, rl.Allow(ctx, "read|user:bob", 2, time.Minute).Allowed)

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow(ctx, "read|user:alice", 2, time.Minute).Allowed)
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	rl := newRedisRateLimiter(client, slog.New(slog.DiscardHandler))
	defer rl.Close()

	d := rl.Allow(context.Background(), "login|ip:127.0.0.1", 1, time.Minute)
	assert.True(t, d.Allowed)
}

func TestNewRedisRateLimiterRequiresServer(t *testing.T) {
	_, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, nil)
	require.Error(t, err)
}

func TestRateKeyKind(t *testing.T) {
	assert.Equal(t, "user", rateKeyKind("user:alice"))
	assert.Equal(t, "ip", rateKeyKind("ip:10.0.0.1"))
	assert.Equal(t, "unknown", rateKeyKind("plain"))
}
