package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/price-watch/internal/errclass"
)

// Navigate loads url and converts error statuses and interstitials into
// classified errors.
func (s *Session) Navigate(page playwright.Page, url string) (playwright.Response, error) {
	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(s.opts.Timeout.Milliseconds())),
	})
	if err != nil {
		return nil, errclass.Classify(fmt.Errorf("navigate %s: %w", url, err), "", 0)
	}

	if resp != nil && resp.Status() >= 400 {
		body, _ := resp.Text()
		if len(body) > 2048 {
			body = body[:2048]
		}
		return resp, errclass.Classify(fmt.Errorf("navigate %s: status %d", url, resp.Status()), body, resp.Status())
	}

	if err := s.DetectBlock(page); err != nil {
		return resp, err
	}
	return resp, nil
}

// Interception is what a response listener saw while a page loaded.
type Interception struct {
	Seen    bool
	URL     string
	Status  int
	Body    []byte
	BodyErr error
}

// Intercept navigates to pageURL and waits up to timeout for a response
// accepted by match. A timeout is not an error: the zero Interception is
// returned with Seen false.
func (s *Session) Intercept(ctx context.Context, pageURL string, match func(url string, status int) bool, timeout time.Duration) (Interception, error) {
	var out Interception

	err := s.WithPage(ctx, func(page playwright.Page) error {
		captured := make(chan Interception, 1)
		page.OnResponse(func(resp playwright.Response) {
			if !match(resp.URL(), resp.Status()) {
				return
			}
			c := Interception{Seen: true, URL: resp.URL(), Status: resp.Status()}
			c.Body, c.BodyErr = resp.Body()
			select {
			case captured <- c:
			default:
			}
		})

		if _, err := s.Navigate(page, pageURL); err != nil {
			return err
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		// Cursor activity while the page's own API calls complete.
		go func() {
			if err := s.RandomMouseMovement(ctx, page); err != nil {
				s.logger.Debug("mouse movement failed", "error", err)
			}
		}()

		select {
		case out = <-captured:
			return nil
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return out, err
}

// FetchHTML navigates to pageURL, behaves like a reader for a moment and
// returns the rendered document.
func (s *Session) FetchHTML(ctx context.Context, pageURL string) (string, error) {
	var html string
	err := s.WithPage(ctx, func(page playwright.Page) error {
		if _, err := s.Navigate(page, pageURL); err != nil {
			return err
		}
		if err := s.Humanize(ctx, page); err != nil {
			return err
		}
		content, err := page.Content()
		if err != nil {
			return fmt.Errorf("failed to read page content: %w", err)
		}
		html = content
		return nil
	})
	return html, err
}

// FetchCookie visits the home page and returns the value of the named
// cookie from the context's jar, or "" when it was not set.
func (s *Session) FetchCookie(ctx context.Context, name string) (string, error) {
	var value string
	home := strings.TrimRight(s.opts.BaseURL, "/") + "/"

	err := s.WithPage(ctx, func(page playwright.Page) error {
		if _, err := s.Navigate(page, home); err != nil {
			return err
		}
		if err := s.Humanize(ctx, page); err != nil {
			return err
		}

		cookies, err := page.Context().Cookies(home)
		if err != nil {
			return fmt.Errorf("failed to read cookies: %w", err)
		}
		for _, c := range cookies {
			if c.Name == name {
				value = c.Value
				return nil
			}
		}
		s.logger.Warn("access cookie not found", "cookie", name, "cookies_seen", len(cookies))
		return nil
	})
	return value, err
}
