package strategy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/browser"
	"github.com/maltedev/price-watch/internal/metrics"
	"github.com/maltedev/price-watch/internal/models"
	"github.com/maltedev/price-watch/internal/retry"
)

// PageRunner is the browser surface the browser-backed strategies need.
// *browser.Session implements it.
type PageRunner interface {
	Start() error
	Intercept(ctx context.Context, pageURL string, match func(url string, status int) bool, timeout time.Duration) (browser.Interception, error)
	FetchHTML(ctx context.Context, pageURL string) (string, error)
}

type Target struct {
	BaseURL     string
	APIPath     string
	ItemAPIPath string
}

func (t Target) base() string {
	return strings.TrimRight(t.BaseURL, "/")
}

func (t Target) catalogURL(req models.SearchRequest) string {
	q := req.FrontendValues().Encode()
	if q == "" {
		return t.base() + "/catalog"
	}
	return t.base() + "/catalog?" + q
}

func (t Target) itemURL(id int64) string {
	return t.base() + "/items/" + strconv.FormatInt(id, 10)
}

// Network loads the human-facing page in the browser and captures the
// page's own API response.
type Network struct {
	runner  PageRunner
	target  Target
	timeout time.Duration
	guard   guard
	logger  *slog.Logger
}

type NetworkConfig struct {
	Target  Target
	Timeout time.Duration
	Policy  *retry.Policy
	Gate    blocking.Gate
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewNetwork(runner PageRunner, cfg NetworkConfig) *Network {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "strategy", "strategy", string(ModeNetwork))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Network{
		runner:  runner,
		target:  cfg.Target,
		timeout: cfg.Timeout,
		logger:  logger,
		guard: guard{
			name:    string(ModeNetwork),
			gate:    cfg.Gate,
			policy:  cfg.Policy,
			metrics: cfg.Metrics,
			logger:  logger,
		},
	}
}

func (n *Network) Name() string { return string(ModeNetwork) }

func (n *Network) Available(ctx context.Context) error {
	return n.runner.Start()
}

func (n *Network) Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	result := emptySearch(n.Name(), req.Page)
	pageURL := n.target.catalogURL(req)

	err := n.guard.run(ctx, "search", func(ctx context.Context) error {
		capture, err := n.runner.Intercept(ctx, pageURL, func(url string, status int) bool {
			return status == 200 && strings.Contains(url, n.target.APIPath)
		}, n.timeout)
		if err != nil {
			return err
		}
		if !capture.Seen {
			n.logger.Warn("no matching API response observed", "page", pageURL, "timeout", n.timeout)
			return errInconclusive
		}
		if capture.BodyErr != nil {
			n.logger.Warn("API response detected but parse failed", "url", capture.URL, "error", capture.BodyErr)
			return errInconclusive
		}
		items, err := DecodeSearch(capture.Body, n.target.BaseURL)
		if err != nil {
			n.logger.Warn("API response detected but parse failed", "url", capture.URL, "error", err)
			return errInconclusive
		}
		result.Items = items
		n.logger.Info("intercepted search response", "url", capture.URL, "items", len(items))
		return nil
	})
	return result, err
}

func (n *Network) Item(ctx context.Context, id int64) (models.ItemResult, error) {
	result := models.ItemResult{Strategy: n.Name()}
	pageURL := n.target.itemURL(id)
	want := n.target.ItemAPIPath + strconv.FormatInt(id, 10)

	err := n.guard.run(ctx, "item", func(ctx context.Context) error {
		capture, err := n.runner.Intercept(ctx, pageURL, func(url string, status int) bool {
			return status == 200 && strings.Contains(url, want)
		}, n.timeout)
		if err != nil {
			return err
		}
		if !capture.Seen {
			n.logger.Warn("no matching item API response observed", "page", pageURL, "timeout", n.timeout)
			return errInconclusive
		}
		if capture.BodyErr != nil {
			n.logger.Warn("item API response detected but parse failed", "url", capture.URL, "error", capture.BodyErr)
			return errInconclusive
		}
		rec, err := DecodeItemEnvelope(capture.Body, n.target.BaseURL)
		if err != nil {
			n.logger.Warn("item API response detected but parse failed", "url", capture.URL, "error", err)
			return errInconclusive
		}
		result.Item = rec
		return nil
	})
	return result, err
}
