// Package retry holds the single backoff policy used for broker calls,
// scoring calls and exit-order retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Retryable is implemented by errors that know whether another attempt may succeed
type Retryable interface {
	Retryable() bool
}

// Policy describes max attempts, the backoff schedule and which errors qualify
type Policy struct {
	MaxAttempts    int           // total attempts including the first
	InitialDelay   time.Duration // delay before the second attempt
	MaxDelay       time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration // 0 = no per-attempt timeout

	// ShouldRetry overrides the default classification when set
	ShouldRetry func(err error) bool

	// OnRetry is called before sleeping; used for logging
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default returns the policy used for broker calls unless configured otherwise
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 10 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Qualifies reports whether err is worth another attempt under this policy
func (p Policy) Qualifies(err error) bool {
	if err == nil {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// per-attempt timeout expired while the caller is still alive
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn until it succeeds, returns a non-qualifying error, the attempts
// are exhausted, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.call(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		if !p.Qualifies(err) || attempt == attempts {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
	return err
}

func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}
