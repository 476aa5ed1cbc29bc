package browser

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/price-watch/internal/errclass"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if !opts.Headless {
		t.Error("Expected headless to be true by default")
	}

	if opts.Timeout != 30*time.Second {
		t.Errorf("Expected timeout to be 30s, got %v", opts.Timeout)
	}

	if opts.TimezoneID != "Europe/Brussels" {
		t.Errorf("Expected timezone to be Europe/Brussels, got %s", opts.TimezoneID)
	}

	if opts.HumanDelayMin != 2*time.Second || opts.HumanDelayMax != 8*time.Second {
		t.Errorf("Expected human delay 2s-8s, got %v-%v", opts.HumanDelayMin, opts.HumanDelayMax)
	}
}

func TestNewIdentityIsConsistent(t *testing.T) {
	opts := DefaultOptions()
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		id := NewIdentity(r, opts)

		assert.Contains(t, opts.UserAgents, id.UserAgent)
		assert.Equal(t, "Europe/Brussels", id.TimezoneID)
		assert.Equal(t, 50.8503, id.Latitude)
		assert.Equal(t, id.AcceptLanguage, id.Headers["Accept-Language"])

		found := false
		for _, vp := range viewports {
			if vp.w == id.ViewportWidth && vp.h == id.ViewportHeight {
				found = true
			}
		}
		assert.True(t, found, "unexpected viewport %dx%d", id.ViewportWidth, id.ViewportHeight)

		if strings.Contains(id.UserAgent, "Firefox/") || !strings.Contains(id.UserAgent, "Chrome/") {
			assert.NotContains(t, id.Headers, "Sec-Ch-Ua")
			continue
		}
		require.Contains(t, id.Headers, "Sec-Ch-Ua")
		assert.Contains(t, id.Headers["Sec-Ch-Ua-Platform"], id.Platform)
	}
}

func TestChromiumBrand(t *testing.T) {
	ua := DefaultUserAgents()

	brand, version, ok := chromiumBrand(ua[0])
	assert.True(t, ok)
	assert.Equal(t, "Google Chrome", brand)
	assert.Equal(t, "131", version)

	brand, _, ok = chromiumBrand(ua[len(ua)-1])
	assert.True(t, ok)
	assert.Equal(t, "Microsoft Edge", brand)

	_, _, ok = chromiumBrand(ua[3])
	assert.False(t, ok)
}

func TestInitScript(t *testing.T) {
	id := Identity{Locale: "nl-BE"}
	script := InitScript(id)

	assert.Contains(t, script, "'webdriver'")
	assert.Contains(t, script, "'plugins'")
	assert.Contains(t, script, `["nl-BE","nl"]`)
	assert.Contains(t, script, "permissions.query")
	assert.Contains(t, script, "chrome.runtime")
	assert.Contains(t, script, "getBattery")
	assert.NotContains(t, script, "__LANGUAGES__")
}

func TestPageHeaders(t *testing.T) {
	opts := DefaultOptions()
	opts.UserAgents = DefaultUserAgents()[:1]
	id := NewIdentity(rand.New(rand.NewSource(2)), opts)

	h := pageHeaders(id)
	assert.Equal(t, "navigate", h["Sec-Fetch-Mode"])
	assert.NotContains(t, id.Headers, "Sec-Fetch-Mode")
}

func TestClassifyPage(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		url     string
		captcha bool
		want    errclass.Kind
		ok      bool
	}{
		{"normal catalog", "Shop women's clothing | Vinted", "https://www.vinted.be/catalog", false, 0, true},
		{"cloudflare", "Just a moment...", "https://www.vinted.be/", false, errclass.KindBlocked, false},
		{"access denied", "Access Denied", "https://www.vinted.be/", false, errclass.KindBlocked, false},
		{"captcha element", "Vinted", "https://www.vinted.be/", true, errclass.KindCaptcha, false},
		{"challenge redirect", "Vinted", "https://www.vinted.be/challenge?r=1", false, errclass.KindCaptcha, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPage(tt.title, tt.url, tt.captcha)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, errclass.KindOf(err))
		})
	}
}

type typedRequest struct {
	playwright.Request
	resourceType string
}

func (r typedRequest) ResourceType() string { return r.resourceType }

type recordingRoute struct {
	playwright.Route
	req       playwright.Request
	aborted   bool
	continued bool
}

func (r *recordingRoute) Request() playwright.Request { return r.req }

func (r *recordingRoute) Abort(...string) error {
	r.aborted = true
	return nil
}

func (r *recordingRoute) Continue(...playwright.RouteContinueOptions) error {
	r.continued = true
	return nil
}

func TestFilterResourcesByType(t *testing.T) {
	tests := []struct {
		resourceType string
		blocked      bool
	}{
		// Asset URLs with query strings used to slip past an extension glob.
		{"image", true},
		{"font", true},
		{"media", true},
		{"document", false},
		{"script", false},
		{"xhr", false},
		{"fetch", false},
		{"stylesheet", false},
	}

	for _, tt := range tests {
		t.Run(tt.resourceType, func(t *testing.T) {
			route := &recordingRoute{req: typedRequest{resourceType: tt.resourceType}}
			filterResources(route)

			assert.Equal(t, tt.blocked, route.aborted)
			assert.Equal(t, !tt.blocked, route.continued)
			assert.Equal(t, tt.blocked, blockedResource(tt.resourceType))
		})
	}
}

func TestCloseWithoutStart(t *testing.T) {
	s := New(nil, nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
