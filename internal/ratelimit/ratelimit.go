// Package ratelimit holds the context-aware waits used to pace requests
// against the marketplace.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return lo + time.Duration(jitterRand.Int63n(int64(hi-lo)))
}

// RandomDelay sleeps for a uniformly distributed duration in [lo, hi).
func RandomDelay(ctx context.Context, lo, hi time.Duration) error {
	return Sleep(ctx, uniform(lo, hi))
}
