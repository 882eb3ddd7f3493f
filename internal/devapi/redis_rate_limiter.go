package devapi

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter shares rate limit windows between dev API instances.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, logger), nil
}

func newRedisRateLimiter(client *redis.Client, logger *slog.Logger) *redisRateLimiter {
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  "platformhub:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// Allow fails open when redis is unreachable.
func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.logError("pipeline", err)
		return Decision{Allowed: true}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(incr.Val())
	return Decision{
		Allowed: count <= limit,
		Count:   count,
		Reset:   time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) logError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
