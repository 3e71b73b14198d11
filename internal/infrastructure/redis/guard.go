package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Guard is the cross-instance single-flight guard for checkout and
// confirmation keys. A held key is reported immediately, never waited on.
type Guard struct {
	client redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

func NewGuard(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Guard {
	return &Guard{client: client, ttl: ttl, logger: logger}
}

// TryAcquire takes key or fails with ErrLockAcquisitionFailed. The returned
// release function is safe to call once the work is done.
func (g *Guard) TryAcquire(ctx context.Context, key string) (func(), error) {
	lock := NewDistributedLock(g.client, key, g.ttl)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard %s: %v: %w", key, err, domainErrors.ErrNetworkFailure)
	}
	if !ok {
		return nil, fmt.Errorf("guard %s: %w", key, domainErrors.ErrLockAcquisitionFailed)
	}

	return func() {
		// The caller's ctx may already be done when the work timed out.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			g.logger.Warn().Err(err).Str("key", key).Msg("Failed to release guard")
		}
	}, nil
}
