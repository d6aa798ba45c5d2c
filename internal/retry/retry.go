// Package retry provides common retry logic with exponential backoff for exchange_sync.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// ExternalDefaults returns defaults for calls to the external CRM during a cycle
func ExternalDefaults() *Config {
	return &Config{
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 20,
	}
}

// WithOperation performs a general operation with retry logic, retrying every error
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return WithClassifier(ctx, config, operation, operationName, func(error) bool { return true })
}

// WithClassifier retries operation only while retryable reports true for its error
func WithClassifier(ctx context.Context, config *Config, operation func() error, operationName string, retryable func(error) bool) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}

// Schedule returns the delay before retry number attempt (0-based): base * 2^attempt,
// capped at limit. It is deterministic so persisted retry times can be asserted.
func Schedule(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if limit > 0 && d >= limit {
			return limit
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
