package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "network", cfg.Scraper.Mode)
	assert.Equal(t, "https://www.vinted.be", cfg.Target.BaseURL)
	assert.Equal(t, "access_token_web", cfg.Target.CookieName)
	assert.Equal(t, time.Hour, cfg.Credential.TTL)
	assert.Equal(t, "memory", cfg.Credential.Store)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.ActiveInterval)
	assert.Equal(t, 30*time.Minute, cfg.Monitor.BlockedInterval)
	assert.Equal(t, time.Hour, cfg.Monitor.Cooldowns.Captcha)
	assert.Equal(t, 15*time.Minute, cfg.Monitor.Cooldowns.RateLimited)
	assert.Equal(t, 5, cfg.Monitor.MaxPages)
	assert.Equal(t, 1, cfg.Monitor.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PageDelayMean)
	assert.Equal(t, 96, cfg.HTTP.PerPage)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "stream:price_alerts", cfg.Alerts.Stream)
	assert.Empty(t, cfg.Alerts.WebhookURL)
}

func TestLoadRetryProfilesPerStrategy(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RetryBudget{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, cfg.Retry.Acquire)
	assert.Equal(t, RetryBudget{MaxRetries: 3, BaseDelay: 3 * time.Second, MaxDelay: 45 * time.Second}, cfg.Retry.NetworkQuery)
	assert.Equal(t, RetryBudget{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}, cfg.Retry.DOMQuery)
	assert.Equal(t, RetryBudget{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}, cfg.Retry.Query)

	t.Setenv("NETWORK_QUERY_BASE_DELAY", "5s")
	t.Setenv("DOM_QUERY_MAX_RETRIES", "1")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Retry.NetworkQuery.BaseDelay)
	assert.Equal(t, 1, cfg.Retry.DOMQuery.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.Query.BaseDelay, "raw HTTP profile is independent")
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCRAPER_MODE", "HTTP")
	t.Setenv("MONITOR_ACTIVE_INTERVAL", "90s")
	t.Setenv("TARGET_BASE_URL", "https://www.vinted.fr/")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("TARGET_LATITUDE", "48.85")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Scraper.Mode)
	assert.Equal(t, 90*time.Second, cfg.Monitor.ActiveInterval)
	assert.Equal(t, "https://www.vinted.fr", cfg.Target.BaseURL)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.False(t, cfg.Browser.Headless)
	assert.InDelta(t, 48.85, cfg.Target.Latitude, 1e-9)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor_max_pages: 2\ncredential_store: redis\nlog_format: text\n"), 0o600))
	t.Setenv("MONITOR_MAX_PAGES", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Monitor.MaxPages, "environment wins over file")
	assert.Equal(t, "redis", cfg.Credential.Store)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown mode", func(c *Config) { c.Scraper.Mode = "selenium" }, "SCRAPER_MODE"},
		{"zero interval", func(c *Config) { c.Monitor.BlockedInterval = 0 }, "MONITOR_BLOCKED_INTERVAL must be positive"},
		{"delay bounds", func(c *Config) { c.Monitor.PageDelayMin = 2 * time.Minute }, "PAGE_DELAY_MIN"},
		{"bad store", func(c *Config) { c.Credential.Store = "disk" }, "CREDENTIAL_STORE"},
		{"no pages", func(c *Config) { c.Monitor.MaxPages = 0 }, "MONITOR_MAX_PAGES"},
		{"retry bounds", func(c *Config) { c.Retry.Query.BaseDelay = time.Hour }, "QUERY_BASE_DELAY"},
		{"network retry bounds", func(c *Config) { c.Retry.NetworkQuery.MaxDelay = time.Second }, "NETWORK_QUERY_BASE_DELAY cannot be greater than NETWORK_QUERY_MAX_DELAY"},
		{"dom retry budget", func(c *Config) { c.Retry.DOMQuery.MaxRetries = -1 }, "DOM_QUERY_MAX_RETRIES"},
		{"webhook scheme", func(c *Config) { c.Alerts.WebhookURL = "ftp://hooks" }, "ALERT_WEBHOOK_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
