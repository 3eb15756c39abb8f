package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 10 * time.Second
)

// Backoff bounds the in-transfer retries of one file
type Backoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultBackoff returns the retry settings used by the backends
func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}
}

// Do runs fn until it succeeds, fails with an error retryable rejects,
// or the retries run out.
func (b Backoff) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return err
		}

		lastErr = err
		if attempt < b.MaxRetries {
			delay := b.delay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// delay calculates the retry delay with exponential backoff and jitter
func (b Backoff) delay(attempt int) time.Duration {
	base := float64(b.BaseDelay)
	delay := base * math.Pow(2.0, float64(attempt))

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	return time.Duration(delay)
}

// IsTransient reports errors that any backend may retry: timeouts and truncated streams
func IsTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}
