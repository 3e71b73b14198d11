package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/coursepay/internal/config"
	"github.com/cassiomorais/coursepay/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to the Redis that carries the confirmation guard and
// the webhook streams. It returns once PING succeeds or retries run out.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.RedisAddr(),
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: "coursepay",
		PoolSize:   cfg.PoolSize,
		// Stream reads block for worker.block_duration; the read timeout
		// must outlast it.
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    3 * time.Second,
		DialTimeout:     5 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	}
	client := redis.NewClient(opts)

	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  uint(attempts),
		InitialDelay: delay,
		MaxDelay:     8 * delay,
		Multiplier:   2,
	}, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable after %d attempts: %w", opts.Addr, attempts, err)
	}
	return client, nil
}
