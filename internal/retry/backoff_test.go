package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	assert.NoError(t, result.LastError)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, result.Reasons, 2)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), "test", func(context.Context) error {
		calls++
		return fmt.Errorf("model missing: %w", ErrPermanent)
	})
	assert.ErrorIs(t, result.LastError, ErrPermanent)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursRetryablePredicate(t *testing.T) {
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return err.Error() == "again" }
	calls := 0
	result := Do(context.Background(), cfg, "test", func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	assert.Error(t, result.LastError)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), "test", func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.Error(t, result.LastError)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, result.Attempts)
}

func TestDoReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	result := Do(ctx, cfg, "test", func(context.Context) error {
		cancel()
		return errors.New("timeout")
	})
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestDelayIsCapped(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, Delay(cfg, 0))
	assert.Equal(t, 2*time.Second, Delay(cfg, 1))
	assert.Equal(t, 3*time.Second, Delay(cfg, 5))
}
