package reliability

import (
	"context"
	"time"
)

// Backoff computes the pause before a retry.
type Backoff interface {
	// NextDelay returns the delay after the given 1-based attempt
	NextDelay(attempt int) time.Duration
}

// LinearBackoff waits attempt × Step after each failed attempt.
type LinearBackoff struct {
	Step time.Duration
}

// NewLinearBackoff creates a new linear backoff policy
func NewLinearBackoff(step time.Duration) LinearBackoff {
	return LinearBackoff{Step: step}
}

// NextDelay implements Backoff
func (l LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * l.Step
}

// FixedDelay waits the same delay after every attempt.
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration) FixedDelay {
	return FixedDelay{Delay: delay}
}

// NextDelay implements Backoff
func (f FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
