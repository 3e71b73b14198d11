package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cassiomorais/coursepay/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts uint) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastError(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_RetryIfStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return errors.Is(err, errTransient) }

	calls := 0
	err := retry.Do(context.Background(), cfg, func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = retry.Do(context.Background(), fastConfig(0), func() error {
		calls++
		return errTransient
	})

	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	var retried []uint
	cfg := fastConfig(3)
	cfg.OnRetry = func(n uint, err error) { retried = append(retried, n) }

	calls := 0
	got, err := retry.DoWithResult(context.Background(), cfg, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []uint{0}, retried)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := retry.Config{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := retry.Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_JitterStillRetries(t *testing.T) {
	cfg := fastConfig(3)
	cfg.Multiplier = 2
	cfg.MaxJitter = time.Millisecond

	calls := 0
	err := retry.Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
