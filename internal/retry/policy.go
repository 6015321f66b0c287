// Package retry provides the backoff policy applied to transient failures
// during task execution (clone, fetch, platform API calls).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transient wraps an error to mark it as retryable. Errors not wrapped with
// Transient fail the operation immediately.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable under a Policy.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err carries the transient marker.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Initial    time.Duration // delay before the first retry
	Multiplier int           // growth factor between retries
	Max        time.Duration // cap for growth
	MaxRetries int           // retry attempts after the first failure
}

// DefaultPolicy returns the standard policy: three retries at 1s, 4s, 16s.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Multiplier: 4, Max: time.Minute, MaxRetries: 3}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall
// back to defaults.
func NewPolicy(initial, maxDuration time.Duration, multiplier, maxRetries int) Policy {
	p := DefaultPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry attempt number
// (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := p.Initial
	for i := 1; i < retryCount; i++ {
		d *= time.Duration(p.Multiplier)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("multiplier must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// Do runs fn, retrying up to MaxRetries times when fn returns a transient
// error. Non-transient errors and context cancellation stop retrying
// immediately. The last error is returned unwrapped of the transient marker.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) || attempt >= p.MaxRetries {
			break
		}
		select {
		case <-time.After(p.Delay(attempt + 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var te *transientError
	if errors.As(err, &te) {
		return te.err
	}
	return err
}
