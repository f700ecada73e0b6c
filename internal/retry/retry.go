// Package retry provides common retry logic with exponential backoff for feedbridge.
package retry

import (
	"context"
	"errors"
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

// FeedDefaults returns sensible defaults for upstream feed calls
func FeedDefaults() *Config {
	return &Config{
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      1 * time.Minute, // rate-limited feeds can need long cooldowns
		JitterPercent: 15,
	}
}

// SinkDefaults returns sensible defaults for PostgreSQL operations
func SinkDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so WithOperation fails immediately instead of
// retrying. Used for auth failures, malformed queries and open circuits.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// WithOperation performs a general operation with retry logic. Errors marked
// with Permanent abort the backoff loop and are returned unwrapped.
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			var pe *permanentError
			if errors.As(err, &pe) {
				logrus.WithError(pe.err).
					WithField("operation", operationName).
					Warn("Operation failed permanently, not retrying")
				return pe.err
			}
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
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
