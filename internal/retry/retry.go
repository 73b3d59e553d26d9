// Package retry runs operations with bounded retries and capped exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retried operation. Retryable decides whether an error is
// worth another attempt; nil treats every error as retryable.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Retryable  func(error) bool
}

// DefaultPolicy is three retries starting at one second, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the wait before retry n (1-based): BaseDelay * 2^(n-1),
// capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 { // overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-clock Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

type options struct {
	sleep      Sleeper
	onRetry    func(retry int, delay time.Duration, err error)
	retryAfter func(error) (time.Duration, bool)
}

// Option customizes Do.
type Option func(*options)

// WithSleeper replaces the real clock, e.g. with a fake in tests.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// OnRetry is called before each backoff wait with the 1-based retry number,
// the delay about to be slept and the error that caused it.
func OnRetry(fn func(retry int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithRetryAfter extracts a server-supplied wait hint from an error. A hint
// longer than the computed delay wins, still capped at MaxDelay.
func WithRetryAfter(fn func(error) (time.Duration, bool)) Option {
	return func(o *options) { o.retryAfter = fn }
}

// Result reports how an operation went.
type Result struct {
	Attempts  int
	Retries   int
	Delays    []time.Duration
	Err       error
	Exhausted bool
}

// ExhaustedError wraps the last error once the retry budget is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts
// p.MaxRetries or ctx is cancelled. At most MaxRetries+1 attempts are made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) Result {
	o := options{sleep: SleepContext}
	for _, opt := range opts {
		opt(&o)
	}

	var res Result
	for {
		res.Attempts++
		err := op(ctx)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return res
		}
		if res.Retries >= p.MaxRetries {
			res.Exhausted = true
			res.Err = &ExhaustedError{Attempts: res.Attempts, Err: err}
			return res
		}

		res.Retries++
		delay := p.Delay(res.Retries)
		if o.retryAfter != nil {
			if hint, ok := o.retryAfter(err); ok && hint > delay {
				delay = hint
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
		}
		res.Delays = append(res.Delays, delay)

		if o.onRetry != nil {
			o.onRetry(res.Retries, delay, err)
		}
		if err := o.sleep(ctx, delay); err != nil {
			res.Err = err
			return res
		}
	}
}
