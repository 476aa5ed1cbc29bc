package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// NormalPacer produces normally distributed delays clamped to [Min, Max].
// It paces consecutive page fetches of one search.
type NormalPacer struct {
	Mean   time.Duration
	StdDev time.Duration
	Min    time.Duration
	Max    time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

func NewNormalPacer(mean, stddev, min, max time.Duration) *NormalPacer {
	return &NormalPacer{
		Mean:   mean,
		StdDev: stddev,
		Min:    min,
		Max:    max,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *NormalPacer) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	sample := p.rand.NormFloat64()
	d := time.Duration(float64(p.Mean) + sample*float64(p.StdDev))
	if d < p.Min {
		d = p.Min
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

func (p *NormalPacer) Wait(ctx context.Context) error {
	return Sleep(ctx, p.Next())
}
