package browser

import (
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/price-watch/internal/errclass"
)

var (
	blockTitleIndicators = []string{
		"access denied",
		"attention required",
		"just a moment",
		"security check",
		"you have been blocked",
		"request blocked",
	}
	captchaURLIndicators = []string{"captcha", "challenge", "/cdn-cgi/"}
	captchaSelectors     = []string{
		`iframe[src*="captcha"]`,
		`iframe[src*="recaptcha"]`,
		`iframe[src*="hcaptcha"]`,
		`.g-recaptcha`,
		`#px-captcha`,
		`#challenge-form`,
		`[data-testid="captcha"]`,
	}
)

// DetectBlock inspects a navigated page for block or CAPTCHA interstitials.
func (s *Session) DetectBlock(page playwright.Page) error {
	title, err := page.Title()
	if err != nil {
		return fmt.Errorf("failed to get page title: %w", err)
	}

	captcha := false
	for _, sel := range captchaSelectors {
		n, err := page.Locator(sel).Count()
		if err == nil && n > 0 {
			s.logger.Warn("captcha element present", "selector", sel)
			captcha = true
			break
		}
	}

	return classifyPage(title, page.URL(), captcha)
}

func classifyPage(title, url string, captchaFound bool) error {
	t := strings.ToLower(title)
	u := strings.ToLower(url)

	if captchaFound {
		return errclass.New(errclass.KindCaptcha, fmt.Errorf("captcha challenge on %s", url))
	}
	for _, ind := range captchaURLIndicators {
		if strings.Contains(u, ind) {
			return errclass.New(errclass.KindCaptcha, fmt.Errorf("redirected to challenge %s", url))
		}
	}
	for _, ind := range blockTitleIndicators {
		if strings.Contains(t, ind) {
			return errclass.Blocked(fmt.Errorf("block page %q at %s", title, url))
		}
	}
	return nil
}
