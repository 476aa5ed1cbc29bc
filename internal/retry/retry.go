package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/ratelimit"
)

type Policy struct {
	Name            string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	RetryableKinds  []errclass.Kind

	Logger *slog.Logger
	// Sleep and Rand are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Rate limiting is not retried here: the caller waits out the limit itself
// and reports it to the blocking gate.
var defaultKinds = []errclass.Kind{errclass.KindRetryable}

func AcquisitionPolicy(maxRetries int, base, max time.Duration) *Policy {
	return newPolicy("acquire", maxRetries, base, max)
}

func NetworkQueryPolicy(maxRetries int, base, max time.Duration) *Policy {
	return newPolicy("network_query", maxRetries, base, max)
}

func DOMQueryPolicy(maxRetries int, base, max time.Duration) *Policy {
	return newPolicy("dom_query", maxRetries, base, max)
}

func HTTPQueryPolicy(maxRetries int, base, max time.Duration) *Policy {
	return newPolicy("http_query", maxRetries, base, max)
}

func WebhookPolicy(maxRetries int, base, max time.Duration) *Policy {
	return newPolicy("webhook", maxRetries, base, max)
}

func newPolicy(name string, maxRetries int, base, max time.Duration) *Policy {
	return &Policy{
		Name:            name,
		MaxRetries:      maxRetries,
		BaseDelay:       base,
		MaxDelay:        max,
		ExponentialBase: 2,
		Jitter:          true,
		RetryableKinds:  defaultKinds,
		Logger:          slog.Default().With("component", "retry", "policy", name),
	}
}

// Delay returns the backoff before retry number attempt (zero based),
// without jitter.
func (p *Policy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 0 {
		base = 2
	}
	d := float64(p.BaseDelay) * math.Pow(base, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p *Policy) backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += time.Duration(float64(d) * 0.1 * r())
	}
	return d
}

func (p *Policy) retryable(kind errclass.Kind) bool {
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, fails with a kind outside RetryableKinds,
// or MaxRetries retries have been spent. The last error is returned.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = ratelimit.Sleep
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		kind := errclass.KindOf(err)
		if !p.retryable(kind) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.backoff(attempt)
		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"kind", kind.String(),
			"delay", delay,
			"error", err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry aborted: %w", serr)
		}
	}

	logger.Error("retries exhausted", "max_retries", p.MaxRetries, "error", lastErr)
	return lastErr
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
