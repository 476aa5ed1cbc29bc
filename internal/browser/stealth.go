package browser

import (
	"encoding/json"
	"strings"

	"github.com/go-rod/stealth"
)

const overridesTemplate = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

Object.defineProperty(navigator, 'plugins', {
	get: () => [
		{ name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
		{ name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
		{ name: 'Native Client', filename: 'internal-nacl-plugin', description: '' },
	],
});

Object.defineProperty(navigator, 'languages', { get: () => __LANGUAGES__ });

const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
if (originalQuery) {
	window.navigator.permissions.query = (parameters) => (
		parameters.name === 'notifications'
			? Promise.resolve({ state: Notification.permission })
			: originalQuery(parameters)
	);
}

window.chrome = window.chrome || {};
window.chrome.runtime = window.chrome.runtime || {};

if (navigator.getBattery) {
	navigator.getBattery = () => Promise.resolve({
		charging: true,
		chargingTime: 0,
		dischargingTime: Infinity,
		level: 1,
	});
}
`

// InitScript returns the script injected into every document of the
// context: our identity-specific overrides followed by the go-rod
// evasion bundle.
func InitScript(id Identity) string {
	langs := languagesOf(id.Locale)
	data, _ := json.Marshal(langs)
	return strings.Replace(overridesTemplate, "__LANGUAGES__", string(data), 1) + "\n" + stealth.JS
}

func languagesOf(locale string) []string {
	if locale == "" {
		return []string{"en-US", "en"}
	}
	lang := strings.SplitN(locale, "-", 2)[0]
	if lang == locale {
		return []string{locale}
	}
	return []string{locale, lang}
}
