package reliability

import "sync"

// TimeoutBreaker trips after a run of consecutive timeouts. Any other outcome
// closes it again.
type TimeoutBreaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
}

// NewTimeoutBreaker creates a breaker that trips after threshold consecutive
// timeouts.
func NewTimeoutBreaker(threshold int) *TimeoutBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &TimeoutBreaker{threshold: threshold}
}

// RecordTimeout counts a timeout and returns the current run length.
func (b *TimeoutBreaker) RecordTimeout() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	return b.consecutive
}

// Reset records a non-timeout outcome.
func (b *TimeoutBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Consecutive returns the current run of timeouts.
func (b *TimeoutBreaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// Tripped reports whether the run reached the threshold.
func (b *TimeoutBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive >= b.threshold
}
