package remote

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig configures reconnect backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// A negative value retries until the context is cancelled.
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier grows the delay after each failed attempt
	Multiplier float64

	// JitterFactor spreads delays by ±factor (0.25 = ±25%)
	JitterFactor float64
}

// DefaultRetryConfig retries forever, starting at 500ms and never
// waiting more than 10s between attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   -1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// Retry runs fn until it succeeds, returns an error rejected by
// retryable, the retry budget is spent or ctx is done. It returns the
// number of attempts made. Backoff waits on clock.
func Retry(ctx context.Context, clock clockwork.Clock, config RetryConfig, retryable func(error) bool, fn func() error) (int, error) {
	var lastErr error

	for attempt := 0; config.MaxRetries < 0 || attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return attempt, err
		}

		err := fn()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !retryable(err) {
			return attempt + 1, err
		}
		if config.MaxRetries >= 0 && attempt == config.MaxRetries {
			break
		}

		timer := clock.NewTimer(calculateDelay(config, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.Chan():
		}
	}

	return config.MaxRetries + 1, fmt.Errorf("failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= config.Multiplier
		if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
			break
		}
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}
