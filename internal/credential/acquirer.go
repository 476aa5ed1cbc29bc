package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/retry"
)

var (
	ErrAcquisitionFailed = errors.New("acquisition failed")
	ErrCookieMissing     = errors.New("access cookie not present")
)

// CookieSource visits the target home page and returns the value of the
// named cookie, or "" when the cookie jar does not contain it.
type CookieSource interface {
	FetchCookie(ctx context.Context, name string) (string, error)
}

type Acquirer struct {
	cache      *Cache
	source     CookieSource
	policy     *retry.Policy
	cookieName string
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// serializes browser acquisitions; concurrent callers wait and then
	// see the freshly cached credential.
	mu sync.Mutex
}

func NewAcquirer(cache *Cache, source CookieSource, policy *retry.Policy, cookieName string, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		cache:      cache,
		source:     source,
		policy:     policy,
		cookieName: cookieName,
		logger:     logger.With("component", "credential_acquirer"),
	}
}

func (a *Acquirer) Acquire(ctx context.Context, forceRefresh bool) (Credential, error) {
	if !forceRefresh {
		if c, ok := a.cached(ctx); ok {
			return c, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !forceRefresh {
		if c, ok := a.cached(ctx); ok {
			return c, nil
		}
	}

	a.logger.Info("acquiring credential via browser", "force_refresh", forceRefresh)

	token, err := retry.Value(ctx, a.policy, func(ctx context.Context) (string, error) {
		token, err := a.source.FetchCookie(ctx, a.cookieName)
		if err != nil {
			return "", errclass.Classify(err, "", 0)
		}
		if token == "" {
			return "", errclass.NonRetryable(ErrCookieMissing)
		}
		return token, nil
	})
	if err != nil {
		if !forceRefresh {
			if b, ok, berr := a.cache.Backup(ctx); berr == nil && ok {
				a.metrics.IncAcquisition("backup")
				a.logger.Warn("acquisition failed, using backup credential",
					"error", err,
					"token", b.Redacted(),
					"expires_at", b.ExpiresAt)
				return b, nil
			}
		}
		a.metrics.IncAcquisition("failed")
		a.logger.Error("credential acquisition failed", "error", err)
		if errclass.KindOf(err).Blocking() {
			return Credential{}, fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
		}
		return Credential{}, errclass.NonRetryable(fmt.Errorf("%w: %w", ErrAcquisitionFailed, err))
	}

	cred, err := a.cache.Put(ctx, token)
	if err != nil {
		return Credential{}, err
	}
	a.metrics.IncAcquisition("acquired")
	a.logger.Info("credential acquired", "token", cred.Redacted(), "expires_at", cred.ExpiresAt)
	return cred, nil
}

// WithMetrics counts acquisitions by result on m.
func (a *Acquirer) WithMetrics(m *metrics.Metrics) *Acquirer {
	a.metrics = m
	return a
}

// Inject stores an operator-supplied token, bypassing the browser.
func (a *Acquirer) Inject(ctx context.Context, token string) (Credential, error) {
	if token == "" {
		return Credential{}, errors.New("token must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cred, err := a.cache.Put(ctx, token)
	if err != nil {
		return Credential{}, err
	}
	a.logger.Info("credential injected manually", "token", cred.Redacted(), "expires_at", cred.ExpiresAt)
	return cred, nil
}

func (a *Acquirer) Invalidate(ctx context.Context) error {
	return a.cache.Invalidate(ctx)
}

// Current returns the cached primary credential without acquiring one.
func (a *Acquirer) Current(ctx context.Context) (Credential, bool) {
	return a.cached(ctx)
}

func (a *Acquirer) cached(ctx context.Context) (Credential, bool) {
	c, ok, err := a.cache.Primary(ctx)
	if err != nil {
		a.logger.Warn("credential cache read failed", "error", err)
		return Credential{}, false
	}
	return c, ok
}
