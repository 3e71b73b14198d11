// Package retry wraps retry-go with the backoff settings used for startup
// pings and calls to the platform backend.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

type Config struct {
	// MaxAttempts counts the first call. Zero means a single attempt.
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier above 1 backs off exponentially; otherwise the delay is fixed.
	Multiplier float64
	// MaxJitter adds up to this much random delay to every wait.
	MaxJitter time.Duration
	// RetryIf limits retries to errors it accepts. Nil retries every error.
	RetryIf func(error) bool
	// OnRetry is called before each new attempt.
	OnRetry func(attempt uint, err error)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

func (c Config) options(ctx context.Context) []retry.Option {
	attempts := c.MaxAttempts
	if attempts == 0 {
		// retry-go reads 0 as "until success".
		attempts = 1
	}

	delay := retry.DelayTypeFunc(retry.FixedDelay)
	if c.Multiplier > 1 {
		delay = retry.BackOffDelay
	}
	if c.MaxJitter > 0 {
		delay = retry.CombineDelay(delay, retry.RandomDelay)
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.InitialDelay),
		retry.MaxDelay(c.MaxDelay),
		retry.DelayType(delay),
		retry.LastErrorOnly(true),
	}
	if c.MaxJitter > 0 {
		opts = append(opts, retry.MaxJitter(c.MaxJitter))
	}
	if c.RetryIf != nil {
		opts = append(opts, retry.RetryIf(c.RetryIf))
	}
	if c.OnRetry != nil {
		opts = append(opts, retry.OnRetry(c.OnRetry))
	}
	return opts
}

// Do runs fn until it succeeds, attempts run out, RetryIf rejects the error
// or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return retry.Do(fn, cfg.options(ctx)...)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	return retry.DoWithData[T](fn, cfg.options(ctx)...)
}
