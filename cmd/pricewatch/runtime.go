package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/browser"
	"github.com/maltedev/price-watch/internal/config"
	"github.com/maltedev/price-watch/internal/credential"
	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/retry"
	"github.com/maltedev/price-watch/internal/strategy"
)

// runtime is the query side of the application: browser session,
// credential layer, blocking state and strategies.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	machine  *blocking.Machine
	session  *browser.Session
	redis    *redis.Client
	acquirer *credential.Acquirer
}

// newRuntime builds the query side. Redis is connected when the credential
// store needs it or withRedis is set. The browser is launched lazily by the
// first strategy or acquisition that needs it.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, withRedis bool) (*runtime, error) {
	m := metrics.New()
	rt := &runtime{cfg: cfg, logger: logger, metrics: m}

	cd := cfg.Monitor.Cooldowns
	rt.machine = blocking.New(cfg.Monitor.ActiveInterval, cfg.Monitor.BlockedInterval,
		blocking.WithCooldowns(blocking.Cooldowns{
			Blocked:     cd.Blocked,
			Captcha:     cd.Captcha,
			RateLimited: cd.RateLimited,
		}),
		blocking.WithTransitionHook(func(s blocking.State) {
			m.SetBlocking(s.IsBlocked, s.ConsecutiveFailures)
			if s.IsBlocked {
				logger.Warn("target is blocking requests",
					"consecutive_failures", s.ConsecutiveFailures,
					"cooldown_until", s.CooldownUntil)
				return
			}
			logger.Info("target is accepting requests again")
		}))

	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.SlowMo = cfg.Browser.SlowMo
	opts.Timeout = cfg.Browser.Timeout
	opts.ProxyServer = cfg.Browser.Proxy
	opts.Locale = cfg.Browser.Locale
	opts.BaseURL = cfg.Target.BaseURL
	opts.TimezoneID = cfg.Target.TimezoneID
	opts.Latitude = cfg.Target.Latitude
	opts.Longitude = cfg.Target.Longitude
	rt.session = browser.New(opts, logger)

	var store credential.Store
	if withRedis || cfg.Credential.Store == "redis" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}
	if cfg.Credential.Store == "redis" {
		store = credential.NewRedisStore(rt.redis, cfg.Redis.KeyPrefix)
	} else {
		store = credential.NewMemoryStore(time.Now)
	}

	cache := credential.NewCache(store, cfg.Credential.TTL, time.Now)
	policy := rt.instrument(retry.AcquisitionPolicy(
		cfg.Retry.Acquire.MaxRetries, cfg.Retry.Acquire.BaseDelay, cfg.Retry.Acquire.MaxDelay))
	rt.acquirer = credential.NewAcquirer(cache, rt.session, policy, cfg.Target.CookieName, logger).
		WithMetrics(m)

	return rt, nil
}

func (rt *runtime) instrument(p *retry.Policy) *retry.Policy {
	p.Logger = rt.logger
	p.OnRetry = func(int, time.Duration, error) { rt.metrics.IncRetry(p.Name) }
	return p
}

// queryPolicies gives each strategy its own retry profile.
func (rt *runtime) queryPolicies() map[strategy.Mode]*retry.Policy {
	r := rt.cfg.Retry
	return map[strategy.Mode]*retry.Policy{
		strategy.ModeNetwork: rt.instrument(retry.NetworkQueryPolicy(r.NetworkQuery.MaxRetries, r.NetworkQuery.BaseDelay, r.NetworkQuery.MaxDelay)),
		strategy.ModeDOM:     rt.instrument(retry.DOMQueryPolicy(r.DOMQuery.MaxRetries, r.DOMQuery.BaseDelay, r.DOMQuery.MaxDelay)),
		strategy.ModeHTTP:    rt.instrument(retry.HTTPQueryPolicy(r.Query.MaxRetries, r.Query.BaseDelay, r.Query.MaxDelay)),
	}
}

// strategies builds every query strategy against the configured target.
func (rt *runtime) strategies() map[strategy.Mode]strategy.Strategy {
	cfg := rt.cfg
	target := strategy.Target{
		BaseURL:     cfg.Target.BaseURL,
		APIPath:     cfg.Target.APIPath,
		ItemAPIPath: cfg.Target.ItemAPIPath,
	}
	policies := rt.queryPolicies()

	return map[strategy.Mode]strategy.Strategy{
		strategy.ModeNetwork: strategy.NewNetwork(rt.session, strategy.NetworkConfig{
			Target:  target,
			Timeout: cfg.Browser.Timeout,
			Policy:  policies[strategy.ModeNetwork],
			Gate:    rt.machine,
			Metrics: rt.metrics,
			Logger:  rt.logger,
		}),
		strategy.ModeDOM: strategy.NewDOM(rt.session, strategy.DOMConfig{
			Target:  target,
			Policy:  policies[strategy.ModeDOM],
			Gate:    rt.machine,
			Metrics: rt.metrics,
			Logger:  rt.logger,
		}),
		strategy.ModeHTTP: strategy.NewHTTP(rt.acquirer, strategy.HTTPConfig{
			Target:            target,
			CookieName:        cfg.Target.CookieName,
			UserAgent:         browser.DefaultUserAgents()[0],
			PerPage:           cfg.HTTP.PerPage,
			Currency:          cfg.HTTP.Currency,
			MaxRetries:        cfg.HTTP.MaxRetries,
			RateLimitDelay:    cfg.HTTP.RateLimitDelay,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Client:            strategy.NewChromeClient(cfg.Browser.Timeout),
			Policy:            policies[strategy.ModeHTTP],
			Gate:              rt.machine,
			Metrics:           rt.metrics,
			Logger:            rt.logger,
		}),
	}
}

// searcher resolves the configured mode, falling back down the chain when
// a browser cannot be launched.
func (rt *runtime) searcher(ctx context.Context) (strategy.Strategy, error) {
	mode, err := strategy.ParseMode(rt.cfg.Scraper.Mode)
	if err != nil {
		return nil, err
	}
	s, err := strategy.Resolve(ctx, mode, rt.strategies(), rt.logger)
	if err != nil {
		return nil, err
	}
	rt.logger.Info("query strategy selected", "strategy", s.Name(), "configured", mode)
	return s, nil
}

func (rt *runtime) Close() {
	if rt.session != nil {
		if err := rt.session.Close(); err != nil {
			rt.logger.Warn("failed to close browser", "error", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
