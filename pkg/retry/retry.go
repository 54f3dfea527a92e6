// Package retry re-attempts Kafka publishes and store calls that failed transiently.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

// Config describes an exponential backoff schedule.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool // adds up to 10% to each delay

	// OnRetry observes each scheduled retry before the delay starts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}
}

// MessagingConfig retries quickly: a Kafka leader election usually settles within a second.
func MessagingConfig() *Config {
	return &Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 1.5, Jitter: true}
}

// DatabaseConfig is used for Postgres, Redis and InfluxDB.
func DatabaseConfig() *Config {
	return &Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second, Multiplier: 2, Jitter: true}
}

// Do calls fn until it succeeds, fails permanently or runs out of attempts.
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for calls that produce a value. Only errors classified retryable by
// pkg/errors are retried; exhausting the attempts wraps the last error as internal.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	if config == nil {
		config = DefaultConfig()
	}

	attempts := max(config.MaxAttempts, 1)

	var zero T
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := config.backoff(attempt - 1)
			if config.OnRetry != nil {
				config.OnRetry(attempt, err, delay)
			}
			if werr := wait(ctx, delay); werr != nil {
				return zero, werr
			}
		}

		var v T
		if v, err = fn(); err == nil {
			return v, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
	}

	return zero, errors.Wrap(err, errors.ErrorTypeInternal, "retry", "operation failed after maximum retry attempts").
		WithContext("max_attempts", attempts)
}

func (c *Config) backoff(attempt int) time.Duration {
	d := math.Min(float64(c.BaseDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.Jitter {
		d *= 1 + 0.1*rand.Float64()
	}
	return time.Duration(d)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
