package embedder

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxAttempts = 3
	initialBackoff     = 100 * time.Millisecond
	maxBackoff         = 5 * time.Second
	backoffMultiplier  = 2.0
)

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Upper bound for any delay
	Multiplier  float64
}

// DefaultRetryConfig returns the backoff used for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   initialBackoff,
		MaxDelay:    maxBackoff,
		Multiplier:  backoffMultiplier,
	}
}

// permanentError stops retryWithBackoff immediately.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return permanentError{err} }

// retryWithBackoff calls fn until it succeeds, returns a permanent error, the
// context ends, or the attempts run out. The last error is returned unwrapped.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := max(config.MaxAttempts, 1)
	backoff := config.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		var p permanentError
		if errors.As(err, &p) {
			return result, p.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
				backoff = time.Duration(float64(backoff) * config.Multiplier)
				if backoff > config.MaxDelay {
					backoff = config.MaxDelay
				}
			}
		}
	}
	return zero, lastErr
}
