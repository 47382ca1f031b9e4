// Package reliability provides the retry building blocks shared by every
// broker operation.
//
// This package implements:
//   - Backoff policies: LinearBackoff (attempt × step) and FixedDelay
//   - TimeoutBreaker: ends a supervised loop after consecutive timeouts
//   - Sleep: a context-aware pause, swappable in tests
//
// Example usage:
//
//	backoff := NewLinearBackoff(time.Second)
//	breaker := NewTimeoutBreaker(3)
//
//	for attempt := 1; ; attempt++ {
//	    err := op()
//	    if !isTimeout(err) {
//	        breaker.Reset()
//	        break
//	    }
//	    if breaker.RecordTimeout(); breaker.Tripped() {
//	        break
//	    }
//	    _ = Sleep(ctx, backoff.NextDelay(attempt))
//	}
package reliability
