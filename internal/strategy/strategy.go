// Package strategy implements the interchangeable ways of querying the
// marketplace: intercepting the site's own API calls in a browser,
// extracting data from the rendered page, and calling the API directly.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/retry"
)

type Strategy interface {
	Name() string
	// Available reports whether the strategy can run at all, e.g. whether
	// its browser can be launched.
	Available(ctx context.Context) error
	Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error)
	Item(ctx context.Context, id int64) (models.ItemResult, error)
}

type Mode string

const (
	ModeNetwork Mode = "network"
	ModeDOM     Mode = "dom"
	ModeHTTP    Mode = "http"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network", "interception":
		return ModeNetwork, nil
	case "playwright", "dom", "browser":
		return ModeDOM, nil
	case "http", "api":
		return ModeHTTP, nil
	default:
		return "", fmt.Errorf("unknown scraper mode %q", s)
	}
}

var fallbackChain = []Mode{ModeNetwork, ModeDOM, ModeHTTP}

// FallbackOrder lists the modes to try, starting at preferred and
// continuing down the fixed chain network, dom, http.
func FallbackOrder(preferred Mode) []Mode {
	for i, m := range fallbackChain {
		if m == preferred {
			return append([]Mode(nil), fallbackChain[i:]...)
		}
	}
	return append([]Mode(nil), fallbackChain...)
}

// Resolve returns the first available strategy in preferred's fallback
// order.
func Resolve(ctx context.Context, preferred Mode, candidates map[Mode]Strategy, logger *slog.Logger) (Strategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, m := range FallbackOrder(preferred) {
		s, ok := candidates[m]
		if !ok || s == nil {
			continue
		}
		if err := s.Available(ctx); err != nil {
			logger.Warn("strategy unavailable, falling back", "strategy", m, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		if m != preferred {
			logger.Info("using fallback strategy", "preferred", preferred, "selected", m)
		}
		return s, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no strategy configured for mode %s", preferred)
	}
	return nil, fmt.Errorf("no strategy available: %w", errors.Join(errs...))
}

// errInconclusive marks an operation that produced no data but also no
// signal about the target's health, such as an interception timeout.
var errInconclusive = errors.New("inconclusive")

// guard is the behaviour every strategy shares: refuse while a blocking
// cooldown runs, retry under the strategy's policy, report the outcome
// to the gate and never let a panic escape.
type guard struct {
	name    string
	gate    blocking.Gate
	policy  *retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (g *guard) run(ctx context.Context, operation string, fn func(ctx context.Context) error) (err error) {
	if g.gate != nil && g.gate.Refusing() {
		g.logger.Warn("refusing query while target is blocking", "operation", operation)
		return errclass.Blocked(errclass.ErrBlocked)
	}

	start := time.Now()
	defer func() {
		g.metrics.ObserveQuery(g.name, operation, err, time.Since(start))
	}()

	attempt := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errclass.NonRetryable(fmt.Errorf("%s %s panicked: %v", g.name, operation, r))
			}
		}()
		return fn(ctx)
	}

	if g.policy != nil {
		err = g.policy.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}

	if errors.Is(err, errInconclusive) {
		return nil
	}
	if g.gate != nil {
		g.gate.Observe(err)
	}
	if err != nil {
		g.logger.Error("query failed", "operation", operation, "kind", errclass.KindOf(err).String(), "error", err)
	}
	return err
}

func emptySearch(name string, page int) models.SearchResult {
	return models.SearchResult{Items: []models.ItemRecord{}, Page: page, Strategy: name}
}
