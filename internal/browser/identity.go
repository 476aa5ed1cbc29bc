package browser

import (
	"fmt"
	"math/rand"
	"strings"
)

// Identity is the fingerprint one browsing context presents. All fields
// are chosen together so headers, viewport and user agent agree.
type Identity struct {
	UserAgent      string
	Platform       string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	AcceptLanguage string
	TimezoneID     string
	Latitude       float64
	Longitude      float64
	Headers        map[string]string
}

var viewports = []struct{ w, h int }{
	{1366, 768},
	{1920, 1080},
	{1440, 900},
	{1280, 720},
	{1024, 768},
}

func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.7; rv:133.0) Gecko/20100101 Firefox/133.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
	}
}

// NewIdentity draws a random identity anchored to the configured locale
// and geolocation.
func NewIdentity(r *rand.Rand, opts *Options) Identity {
	agents := opts.UserAgents
	if len(agents) == 0 {
		agents = DefaultUserAgents()
	}
	ua := agents[r.Intn(len(agents))]
	vp := viewports[r.Intn(len(viewports))]

	id := Identity{
		UserAgent:      ua,
		Platform:       platformOf(ua),
		ViewportWidth:  vp.w,
		ViewportHeight: vp.h,
		Locale:         opts.Locale,
		AcceptLanguage: acceptLanguage(opts.Locale),
		TimezoneID:     opts.TimezoneID,
		Latitude:       opts.Latitude,
		Longitude:      opts.Longitude,
	}
	id.Headers = id.headers()
	return id
}

func (id Identity) headers() map[string]string {
	h := map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           id.AcceptLanguage,
		"Accept-Encoding":           "gzip, deflate, br",
		"DNT":                       "1",
		"Upgrade-Insecure-Requests": "1",
	}
	if brand, version, ok := chromiumBrand(id.UserAgent); ok {
		h["Sec-Ch-Ua"] = fmt.Sprintf(`"%s";v="%s", "Chromium";v="%s", "Not_A Brand";v="24"`, brand, version, version)
		h["Sec-Ch-Ua-Mobile"] = "?0"
		h["Sec-Ch-Ua-Platform"] = fmt.Sprintf(`"%s"`, id.Platform)
	}
	return h
}

// IsChromium reports whether the identity claims a Chromium-based browser.
func (id Identity) IsChromium() bool {
	_, _, ok := chromiumBrand(id.UserAgent)
	return ok
}

func platformOf(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Macintosh"):
		return "macOS"
	default:
		return "Linux"
	}
}

func chromiumBrand(ua string) (brand, version string, ok bool) {
	if strings.Contains(ua, "Firefox/") {
		return "", "", false
	}
	if i := strings.Index(ua, "Edg/"); i >= 0 {
		return "Microsoft Edge", majorVersion(ua[i+4:]), true
	}
	if i := strings.Index(ua, "Chrome/"); i >= 0 {
		return "Google Chrome", majorVersion(ua[i+7:]), true
	}
	return "", "", false
}

func majorVersion(s string) string {
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

func acceptLanguage(locale string) string {
	if locale == "" {
		return "en-US,en;q=0.9"
	}
	lang := strings.SplitN(locale, "-", 2)[0]
	if lang == "en" {
		return locale + ",en;q=0.9"
	}
	return fmt.Sprintf("%s,%s;q=0.9,en;q=0.8", locale, lang)
}
