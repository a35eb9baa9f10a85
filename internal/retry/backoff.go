// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	// Retryable decides whether a failed attempt is worth repeating. A nil
	// func retries every error.
	Retryable func(error) bool
}

type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Reasons       []string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ErrPermanent marks an error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done.
func Do(ctx context.Context, cfg Config, label string, op func(context.Context) error) Result {
	start := time.Now()
	result := Result{}
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1
		err := op(ctx)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				log.Debug().Str("op", label).Int("attempts", result.Attempts).Msg("operation succeeded after retry")
			}
			return result
		}
		result.LastError = err
		result.Reasons = append(result.Reasons, err.Error())

		if errors.Is(err, ErrPermanent) || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			break
		}
		if attempt >= cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := Delay(cfg, attempt)
		log.Warn().Err(err).Str("op", label).Int("attempt", attempt+1).Dur("delay", delay).Msg("operation failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}
	result.TotalDuration = time.Since(start)
	return result
}

// Delay is BaseDelay*Multiplier^attempt capped at MaxDelay, with up to 10%
// jitter either way.
func Delay(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		spread := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * spread
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}
