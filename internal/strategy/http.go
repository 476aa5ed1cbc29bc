package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/credential"
	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/ratelimit"
	"github.com/maltedev/price-watch/internal/retry"
)

// CredentialSource hands out the cached access credential, acquiring a
// new one when forced or when the cache is empty.
type CredentialSource interface {
	Acquire(ctx context.Context, forceRefresh bool) (credential.Credential, error)
	Invalidate(ctx context.Context) error
}

type HTTPConfig struct {
	Target         Target
	CookieName     string
	UserAgent      string
	PerPage        int
	Currency       string
	MaxRetries     int
	RateLimitDelay time.Duration
	// RequestsPerSecond paces raw API calls; zero disables pacing.
	RequestsPerSecond float64
	Client            *http.Client
	Policy            *retry.Policy
	Gate              blocking.Gate
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// HTTP calls the JSON API directly with the cached credential as cookie.
// Below the retry policy it runs its own request loop: one forced
// credential refresh on 401 and one fixed wait on 429.
type HTTP struct {
	cfg     HTTPConfig
	creds   CredentialSource
	client  *http.Client
	limiter *rate.Limiter
	guard   guard
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewHTTP(creds CredentialSource, cfg HTTPConfig) *HTTP {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "strategy", "strategy", string(ModeHTTP))

	if cfg.Client == nil {
		cfg.Client = NewChromeClient(30 * time.Second)
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 96
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 60 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &HTTP{
		cfg:     cfg,
		creds:   creds,
		client:  cfg.Client,
		limiter: limiter,
		logger:  logger,
		sleep:   ratelimit.Sleep,
		guard: guard{
			name:    string(ModeHTTP),
			gate:    cfg.Gate,
			policy:  cfg.Policy,
			metrics: cfg.Metrics,
			logger:  logger,
		},
	}
}

func (h *HTTP) Name() string { return string(ModeHTTP) }

func (h *HTTP) Available(context.Context) error { return nil }

func (h *HTTP) Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	result := emptySearch(h.Name(), req.Page)

	params := req.APIValues()
	if params.Get("per_page") == "" {
		params.Set("per_page", strconv.Itoa(h.cfg.PerPage))
	}
	if params.Get("currency") == "" {
		params.Set("currency", h.cfg.Currency)
	}
	if params.Get("page") == "" {
		params.Set("page", "1")
	}
	endpoint := h.cfg.Target.base() + h.cfg.Target.APIPath + "?" + params.Encode()

	err := h.guard.run(ctx, "search", func(ctx context.Context) error {
		body, err := h.get(ctx, endpoint)
		if err != nil {
			return err
		}
		items, err := DecodeSearch(body, h.cfg.Target.BaseURL)
		if err != nil {
			return errclass.NonRetryable(err)
		}
		result.Items = items
		return nil
	})
	return result, err
}

func (h *HTTP) Item(ctx context.Context, id int64) (models.ItemResult, error) {
	result := models.ItemResult{Strategy: h.Name()}
	endpoint := h.cfg.Target.base() + h.cfg.Target.ItemAPIPath + strconv.FormatInt(id, 10)

	err := h.guard.run(ctx, "item", func(ctx context.Context) error {
		body, err := h.get(ctx, endpoint)
		if err != nil {
			return err
		}
		rec, err := DecodeItemEnvelope(body, h.cfg.Target.BaseURL)
		if err != nil {
			return errclass.NonRetryable(err)
		}
		result.Item = rec
		return nil
	})
	return result, err
}

func (h *HTTP) get(ctx context.Context, endpoint string) ([]byte, error) {
	var (
		lastErr      error
		forceRefresh bool
		refreshed    bool
		waited       bool
	)

	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		cred, err := h.creds.Acquire(ctx, forceRefresh)
		if err != nil {
			return nil, err
		}
		forceRefresh = false

		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		status, body, err := h.do(ctx, endpoint, cred.Token)
		if err != nil {
			return nil, errclass.Classify(err, "", 0)
		}

		switch {
		case status == http.StatusOK:
			return body, nil

		case status == http.StatusUnauthorized && !refreshed:
			h.logger.Warn("credential rejected, forcing refresh", "attempt", attempt+1)
			refreshed = true
			forceRefresh = true
			lastErr = errclass.Classify(fmt.Errorf("GET %s: status 401", redactQuery(endpoint)), "", status)
			continue

		case status == http.StatusTooManyRequests && !waited:
			h.logger.Warn("rate limited, waiting", "delay", h.cfg.RateLimitDelay, "attempt", attempt+1)
			waited = true
			lastErr = errclass.Classify(fmt.Errorf("GET %s: status 429", redactQuery(endpoint)), "", status)
			if err := h.sleep(ctx, h.cfg.RateLimitDelay); err != nil {
				return nil, err
			}
			continue
		}

		if status == http.StatusForbidden || status == http.StatusUnauthorized {
			if err := h.creds.Invalidate(ctx); err != nil {
				h.logger.Warn("failed to invalidate credential", "error", err)
			}
		}
		snippet := string(body)
		if len(snippet) > 1024 {
			snippet = snippet[:1024]
		}
		return nil, errclass.Classify(fmt.Errorf("GET %s: status %d", redactQuery(endpoint), status), snippet, status)
	}

	if lastErr == nil {
		lastErr = errors.New("request retries exhausted")
	}
	return nil, lastErr
}

func (h *HTTP) do(ctx context.Context, endpoint, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", h.cfg.Target.base()+"/")
	if h.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", h.cfg.UserAgent)
	}
	req.AddCookie(&http.Cookie{Name: h.cfg.CookieName, Value: token})

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func redactQuery(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	u.RawQuery = ""
	return u.String()
}
