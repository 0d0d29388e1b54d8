package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 2 * time.Second
)

var ErrExhausted = errors.New("delivery attempts exhausted")

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{ErrExhausted, e.Last}
}

// Func is a single attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Policy retries an attempt a bounded number of times with a fixed delay.
type Policy struct {
	maxAttempts int
	delay       time.Duration
	retryable   func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewPolicy(maxAttempts int, delay time.Duration, retryable func(error) bool) *Policy {
	return newPolicy(maxAttempts, delay, retryable, sleepWithContext)
}

func newPolicy(
	maxAttempts int,
	delay time.Duration,
	retryable func(error) bool,
	sleepFn func(ctx context.Context, d time.Duration) error,
) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &Policy{
		maxAttempts: maxAttempts,
		delay:       delay,
		retryable:   retryable,
		sleep:       sleepFn,
	}
}

func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Do runs fn until it succeeds, returns a terminal error, or the attempt
// budget is spent. Terminal errors are returned unchanged.
func (p *Policy) Do(ctx context.Context, fn Func) error {
	if fn == nil {
		return fmt.Errorf("retry func is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return err
		}
		lastErr = err

		if attempt == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.delay); err != nil {
			return fmt.Errorf("retry delay interrupted: %w", err)
		}
	}

	return &ExhaustedError{Attempts: p.maxAttempts, Last: lastErr}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
