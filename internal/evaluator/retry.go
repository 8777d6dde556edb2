package evaluator

import (
	"context"
	"time"
)

// RetryState is the explicit backoff state carried with a task: attempt count
// plus the moment the next attempt becomes eligible. Keeping it as plain data
// (instead of nested catch loops) makes the policy testable and lets a
// crashed run resume from persisted state.
type RetryState struct {
	Attempt      int
	Delay        time.Duration
	NextEligible time.Time
}

// Backoff is the exponential policy: base delay, doubling, capped.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Cap <= 0 {
		b.Cap = 15 * time.Second
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	return b
}

// Advance returns the state after one more failed attempt.
func (s RetryState) Advance(b Backoff, now time.Time) RetryState {
	b = b.normalized()
	delay := s.Delay
	if delay == 0 {
		delay = b.Base
	} else {
		delay *= 2
		if delay > b.Cap {
			delay = b.Cap
		}
	}
	return RetryState{
		Attempt:      s.Attempt + 1,
		Delay:        delay,
		NextEligible: now.Add(delay),
	}
}

// Exhausted reports whether the policy allows no further attempts.
func (s RetryState) Exhausted(b Backoff) bool {
	return s.Attempt > b.normalized().MaxRetries
}

// sleepUntil blocks until the state's next-eligible time or context cancellation.
func sleepUntil(ctx context.Context, s RetryState, now time.Time) error {
	wait := s.NextEligible.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
