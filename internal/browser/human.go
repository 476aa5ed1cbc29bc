package browser

import (
	"context"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/price-watch/internal/ratelimit"
)

const smoothScrollScript = `async ({ distance, steps }) => {
	const step = distance / steps;
	for (let i = 0; i < steps; i++) {
		window.scrollBy(0, step);
		await new Promise(r => setTimeout(r, 40 + Math.random() * 80));
	}
}`

// RandomDelay waits a random interval between the configured human delay
// bounds, or between min and max when both are given.
func (s *Session) RandomDelay(ctx context.Context, bounds ...time.Duration) error {
	min, max := s.opts.HumanDelayMin, s.opts.HumanDelayMax
	if len(bounds) == 2 {
		min, max = bounds[0], bounds[1]
	}
	return ratelimit.RandomDelay(ctx, min, max)
}

// HumanLikeScroll scrolls down in small eased steps, then partially back.
func (s *Session) HumanLikeScroll(ctx context.Context, page playwright.Page) error {
	passes := 2 + s.intn(3)
	for i := 0; i < passes; i++ {
		distance := 300 + s.intn(500)
		if _, err := page.Evaluate(smoothScrollScript, map[string]int{
			"distance": distance,
			"steps":    8 + s.intn(8),
		}); err != nil {
			return err
		}
		if err := ratelimit.RandomDelay(ctx, 500*time.Millisecond, 2*time.Second); err != nil {
			return err
		}
	}
	if s.intn(2) == 0 {
		_, err := page.Evaluate(smoothScrollScript, map[string]int{
			"distance": -(100 + s.intn(300)),
			"steps":    6,
		})
		return err
	}
	return nil
}

// RandomMouseMovement moves the cursor through a few random points inside
// the viewport.
func (s *Session) RandomMouseMovement(ctx context.Context, page playwright.Page) error {
	id := s.Identity()
	w, h := id.ViewportWidth, id.ViewportHeight
	if w == 0 || h == 0 {
		w, h = 1280, 720
	}

	moves := 3 + s.intn(4)
	for i := 0; i < moves; i++ {
		x := float64(50 + s.intn(w-100))
		y := float64(50 + s.intn(h-100))
		if err := page.Mouse().Move(x, y, playwright.MouseMoveOptions{
			Steps: playwright.Int(5 + s.intn(20)),
		}); err != nil {
			return err
		}
		if err := ratelimit.RandomDelay(ctx, 100*time.Millisecond, 600*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// Humanize runs the behavioural primitives used between navigation steps.
// Failures of the cosmetic steps are logged, not returned.
func (s *Session) Humanize(ctx context.Context, page playwright.Page) error {
	if err := s.RandomDelay(ctx); err != nil {
		return err
	}
	if err := s.RandomMouseMovement(ctx, page); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("mouse movement failed", "error", err)
	}
	if err := s.HumanLikeScroll(ctx, page); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("scroll failed", "error", err)
	}
	return nil
}
