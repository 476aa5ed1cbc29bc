package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// blockedResourceTypes are the request types aborted on every page. The
// type comes from the browser, so cache-busting query strings and
// extensionless CDN URLs are caught too.
var blockedResourceTypes = map[string]bool{
	"image": true,
	"font":  true,
	"media": true,
}

func blockedResource(resourceType string) bool {
	return blockedResourceTypes[resourceType]
}

func filterResources(route playwright.Route) {
	if blockedResource(route.Request().ResourceType()) {
		_ = route.Abort()
		return
	}
	_ = route.Continue()
}

type Options struct {
	Headless       bool
	SlowMo         time.Duration
	Timeout        time.Duration
	ProxyServer    string
	BaseURL        string
	Locale         string
	TimezoneID     string
	Latitude       float64
	Longitude      float64
	UserAgents     []string
	BlockResources bool
	HumanDelayMin  time.Duration
	HumanDelayMax  time.Duration
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		BaseURL:        "https://www.vinted.be",
		Locale:         "en-US",
		TimezoneID:     "Europe/Brussels",
		Latitude:       50.8503,
		Longitude:      4.3517,
		UserAgents:     DefaultUserAgents(),
		BlockResources: true,
		HumanDelayMin:  2 * time.Second,
		HumanDelayMax:  8 * time.Second,
	}
}

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-dev-shm-usage",
	"--disable-infobars",
	"--no-first-run",
	"--no-default-browser-check",
	"--no-sandbox",
	"--disable-setuid-sandbox",
}

// Session owns one browser process and one isolated context. Pages are
// short lived and handed out through WithPage.
type Session struct {
	opts   *Options
	logger *slog.Logger

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	context  playwright.BrowserContext
	identity Identity

	rmu  sync.Mutex
	rand *rand.Rand
}

func New(opts *Options, logger *slog.Logger) *Session {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("component", "browser"),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the browser and creates the context. It is safe to call
// concurrently and repeatedly; only the first call launches anything.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.context != nil {
		return nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(s.opts.Headless),
		Args:     launchArgs,
	}
	if s.opts.SlowMo > 0 {
		launchOpts.SlowMo = playwright.Float(float64(s.opts.SlowMo.Milliseconds()))
	}
	if s.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: s.opts.ProxyServer}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	s.rmu.Lock()
	id := NewIdentity(s.rand, s.opts)
	s.rmu.Unlock()

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(id.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(id.Locale),
		TimezoneId:        playwright.String(id.TimezoneID),
		Geolocation: &playwright.Geolocation{
			Latitude:  id.Latitude,
			Longitude: id.Longitude,
		},
		Permissions: []string{"geolocation"},
		Viewport: &playwright.Size{
			Width:  id.ViewportWidth,
			Height: id.ViewportHeight,
		},
		ExtraHttpHeaders: id.Headers,
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(InitScript(id))}); err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return fmt.Errorf("failed to add init script: %w", err)
	}

	s.pw = pw
	s.browser = browser
	s.context = bctx
	s.identity = id

	s.logger.Info("browser session started",
		"user_agent", id.UserAgent,
		"viewport", fmt.Sprintf("%dx%d", id.ViewportWidth, id.ViewportHeight),
		"headless", s.opts.Headless)
	return nil
}

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// WithPage opens a page, runs fn on it and closes the page on every exit
// path. When ctx is done before fn returns the page is closed, which makes
// any pending page call fail, and ctx.Err() is returned.
func (s *Session) WithPage(ctx context.Context, fn func(page playwright.Page) error) error {
	if err := s.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	bctx := s.context
	id := s.identity
	s.mu.Unlock()
	if bctx == nil {
		return fmt.Errorf("browser session is closed")
	}

	page, err := bctx.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create new page: %w", err)
	}

	var closeOnce sync.Once
	closePage := func() {
		closeOnce.Do(func() {
			if err := page.Close(); err != nil {
				s.logger.Debug("failed to close page", "error", err)
			}
		})
	}
	defer closePage()

	page.SetDefaultTimeout(float64(s.opts.Timeout.Milliseconds()))

	if s.opts.BlockResources {
		if err := page.Route("**/*", filterResources); err != nil {
			s.logger.Warn("failed to install resource blocking", "error", err)
		}
	}
	if err := page.SetExtraHTTPHeaders(pageHeaders(id)); err != nil {
		s.logger.Warn("failed to set page headers", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("page operation panicked: %v", r)
			}
		}()
		done <- fn(page)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		closePage()
		<-done
		return ctx.Err()
	}
}

func pageHeaders(id Identity) map[string]string {
	h := make(map[string]string, len(id.Headers)+4)
	for k, v := range id.Headers {
		h[k] = v
	}
	if id.IsChromium() {
		h["Sec-Fetch-Dest"] = "document"
		h["Sec-Fetch-Mode"] = "navigate"
		h["Sec-Fetch-Site"] = "none"
		h["Sec-Fetch-User"] = "?1"
	}
	return h
}

// Close tears down context, browser and driver. Each handle is checked
// independently so Close is safe after a partial Start and when called
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if s.context != nil {
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
		s.context = nil
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		s.browser = nil
	}

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		s.pw = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

func (s *Session) intn(n int) int {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.rand.Intn(n)
}
