package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const jitterFraction = 0.25

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter spreads each delay by up to 25% in either direction.
	Jitter bool
	// RetryIf decides whether an error may be retried. Defaults to IsRetryable.
	RetryIf func(error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a config that never retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 0,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

// Retry calls fn until it succeeds, the error is not retryable, or
// MaxRetries+1 attempts have been made. The last error is returned unchanged.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// RetryValue is Retry for operations returning a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.RetryIf == nil {
		cfg.RetryIf = IsRetryable
	}

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}

			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if attempt == cfg.MaxRetries || !cfg.RetryIf(err) {
			break
		}

		delay := Backoff(attempt, cfg)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Backoff returns the wait before retry number attempt+1:
// min(BaseDelay * 2^attempt, MaxDelay), spread by +/-25% when jitter is on.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		delay += (rand.Float64()*2 - 1) * jitterFraction * delay
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}
