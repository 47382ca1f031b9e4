package weather

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// RandomProvider generates plausible weather.
type RandomProvider struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// RandomOption configures the RandomProvider
type RandomOption func(*RandomProvider)

// WithSeed makes the generated sequence reproducible
func WithSeed(seed uint64) RandomOption {
	return func(p *RandomProvider) {
		p.rnd = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithClock sets the source of report timestamps
func WithClock(now func() time.Time) RandomOption {
	return func(p *RandomProvider) {
		p.now = now
	}
}

// NewRandomProvider creates a random provider.
func NewRandomProvider(options ...RandomOption) *RandomProvider {
	p := &RandomProvider{
		rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now: time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// between returns a random integer in [lo, hi].
func (p *RandomProvider) between(lo, hi int) int {
	return lo + p.rnd.IntN(hi-lo+1)
}

// Weather implements Provider.
func (p *RandomProvider) Weather(_ context.Context, city string) Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Report{
		City:        city,
		Temperature: p.between(-10, 35),
		Condition:   Conditions[p.rnd.IntN(len(Conditions))],
		Humidity:    p.between(20, 90),
		WindSpeed:   p.between(0, 50),
		Timestamp:   p.now().Format(time.RFC3339),
	}
}
