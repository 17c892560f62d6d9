// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures retry behavior
type Policy struct {
	BaseDelay   time.Duration // delay before the second try, doubled for each later try
	MaxDelay    time.Duration
	MaxAttempts int // total tries including the first
}

// DefaultPolicy returns the policy used for transient collaborator errors
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay returns the wait after the given failed try (1-based): base * 2^(n-1),
// capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	d := p.BaseDelay * time.Duration(1<<shift)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// policy's attempts are exhausted. onRetry, if set, is called before each
// wait. The last error is returned unwrapped so callers can classify it.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts || retryable == nil || !retryable(err) {
			return err
		}

		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted: %w", err)
		case <-timer.C:
		}
	}
	return err
}
