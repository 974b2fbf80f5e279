// Package retry provides the bounded-retry combinator shared by login,
// landmark polling and challenge polling.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotDone is the sentinel a poll step returns when the condition is
// not met yet. It is always retryable.
var ErrNotDone = errors.New("condition not met")

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Backoff is the pause between attempts. Nil means no pause.
	Backoff Backoff
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error. The loop always stops once ctx is done.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the pause after the given (1-based) failed attempt.
type Backoff func(attempt int) time.Duration

// Constant waits d between every attempt.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Linear waits d, 2d, 3d...
func Linear(d time.Duration) Backoff {
	return func(attempt int) time.Duration { return time.Duration(attempt) * d }
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. attempt is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
		}
		if !p.retryable(last) {
			return last
		}
		if attempt == maxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, last)
		}
		if p.Backoff != nil {
			if err := sleep(ctx, p.Backoff(attempt)); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
		}
	}
	return &ExhaustedError{Attempts: maxAttempts, Last: last}
}

// Poll calls check until it reports done. Errors from check are treated
// like "not done" so a flaky probe never aborts the wait.
func Poll(ctx context.Context, p Policy, check func(ctx context.Context, attempt int) (bool, error)) error {
	p.Retryable = func(error) bool { return true }
	return Do(ctx, p, func(ctx context.Context, attempt int) error {
		done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if !done {
			return ErrNotDone
		}
		return nil
	})
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, ErrNotDone) {
		return true
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// SleepContext pauses for d, returning early with ctx.Err() if ctx ends.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
