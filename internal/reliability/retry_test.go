package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinearBackoff(t *testing.T) {
	t.Run("grows with the attempt number", func(t *testing.T) {
		backoff := NewLinearBackoff(time.Second)

		assert.Equal(t, time.Second, backoff.NextDelay(1))
		assert.Equal(t, 2*time.Second, backoff.NextDelay(2))
		assert.Equal(t, 4*time.Second, backoff.NextDelay(4))
	})

	t.Run("treats attempts below one as the first", func(t *testing.T) {
		backoff := NewLinearBackoff(500 * time.Millisecond)

		assert.Equal(t, 500*time.Millisecond, backoff.NextDelay(0))
		assert.Equal(t, 500*time.Millisecond, backoff.NextDelay(-3))
	})
}

func TestFixedDelay(t *testing.T) {
	delay := NewFixedDelay(3 * time.Second)

	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, 3*time.Second, delay.NextDelay(attempt))
	}
}

func TestSleep(t *testing.T) {
	t.Run("waits for the delay", func(t *testing.T) {
		start := time.Now()

		err := Sleep(context.Background(), 20*time.Millisecond)

		assert.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()

		err := Sleep(ctx, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("a zero delay only checks the context", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), 0))
	})
}
