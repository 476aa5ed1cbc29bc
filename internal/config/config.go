package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Scraper    ScraperConfig
	Browser    BrowserConfig
	Target     TargetConfig
	Retry      RetryConfig
	HTTP       HTTPConfig
	Credential CredentialConfig
	Monitor    MonitorConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Alerts     AlertsConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type ScraperConfig struct {
	Mode string `env:"SCRAPER_MODE" validate:"oneof=network interception playwright dom browser http api"`
}

type BrowserConfig struct {
	Headless bool
	SlowMo   time.Duration
	Timeout  time.Duration `env:"BROWSER_TIMEOUT" validate:"gt=0"`
	Proxy    string
	Locale   string
}

type TargetConfig struct {
	BaseURL     string `env:"TARGET_BASE_URL" validate:"required,http_url"`
	CookieName  string `env:"TARGET_COOKIE_NAME" validate:"required"`
	APIPath     string
	ItemAPIPath string
	TimezoneID  string
	Latitude    float64
	Longitude   float64
}

// RetryBudget is one bounded exponential backoff schedule.
type RetryBudget struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryConfig holds one budget per retried operation. Query applies to
// the raw HTTP strategy; the browser strategies have their own profiles.
type RetryConfig struct {
	Acquire      RetryBudget
	NetworkQuery RetryBudget
	DOMQuery     RetryBudget
	Query        RetryBudget
}

type HTTPConfig struct {
	MaxRetries        int
	RateLimitDelay    time.Duration
	PerPage           int `env:"HTTP_PER_PAGE" validate:"min=1"`
	Currency          string
	RequestsPerSecond float64
}

type CredentialConfig struct {
	TTL   time.Duration `env:"CREDENTIAL_TTL" validate:"gt=0"`
	Store string        `env:"CREDENTIAL_STORE" validate:"oneof=memory redis"`
}

type MonitorConfig struct {
	ActiveInterval  time.Duration `env:"MONITOR_ACTIVE_INTERVAL" validate:"gt=0"`
	BlockedInterval time.Duration `env:"MONITOR_BLOCKED_INTERVAL" validate:"gt=0"`
	Cooldowns       CooldownConfig
	MaxPages        int           `env:"MONITOR_MAX_PAGES" validate:"min=1"`
	Concurrency     int           `env:"MONITOR_CONCURRENCY" validate:"min=1"`
	CleanupInterval time.Duration `env:"MONITOR_CLEANUP_INTERVAL" validate:"gt=0"`
	StaleAfter      time.Duration `env:"MONITOR_STALE_AFTER" validate:"gt=0"`
	RefreshInterval time.Duration `env:"MONITOR_REFRESH_INTERVAL" validate:"gt=0"`
	AlertCacheSize  int
	PageDelayMean   time.Duration
	PageDelayStdDev time.Duration
	PageDelayMin    time.Duration
	PageDelayMax    time.Duration
}

// CooldownConfig is how long checks are refused after each kind of
// blocking signal.
type CooldownConfig struct {
	Blocked     time.Duration `env:"COOLDOWN_BLOCKED" validate:"gt=0"`
	Captcha     time.Duration `env:"COOLDOWN_CAPTCHA" validate:"gt=0"`
	RateLimited time.Duration `env:"COOLDOWN_RATE_LIMITED" validate:"gt=0"`
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	RelayInterval  time.Duration
	RelayBatchSize int
	StreamMaxLen   int64
}

// AlertsConfig configures the consume-alerts command.
type AlertsConfig struct {
	Stream         string
	Group          string
	Consumer       string
	WebhookURL     string `env:"ALERT_WEBHOOK_URL" validate:"omitempty,http_url"`
	WebhookRetries int
	WebhookTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string `env:"LOG_FORMAT" validate:"oneof=json text"`
}

var validate = newValidator()

// newValidator reports fields by their environment variable name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("server_read_timeout", 30*time.Second)
	v.SetDefault("server_shutdown_timeout", 10*time.Second)

	v.SetDefault("scraper_mode", "network")

	v.SetDefault("browser_headless", true)
	v.SetDefault("browser_slowmo", time.Duration(0))
	v.SetDefault("browser_timeout", 30*time.Second)
	v.SetDefault("browser_proxy", "")
	v.SetDefault("browser_locale", "en-US")

	v.SetDefault("target_base_url", "https://www.vinted.be")
	v.SetDefault("target_cookie_name", "access_token_web")
	v.SetDefault("target_api_path", "/api/v2/catalog/items")
	v.SetDefault("target_item_api_path", "/api/v2/items/")
	v.SetDefault("target_timezone", "Europe/Brussels")
	v.SetDefault("target_latitude", 50.8503)
	v.SetDefault("target_longitude", 4.3517)

	v.SetDefault("acquire_max_retries", 3)
	v.SetDefault("acquire_base_delay", 2*time.Second)
	v.SetDefault("acquire_max_delay", 30*time.Second)
	v.SetDefault("network_query_max_retries", 3)
	v.SetDefault("network_query_base_delay", 3*time.Second)
	v.SetDefault("network_query_max_delay", 45*time.Second)
	v.SetDefault("dom_query_max_retries", 3)
	v.SetDefault("dom_query_base_delay", 2*time.Second)
	v.SetDefault("dom_query_max_delay", 30*time.Second)
	v.SetDefault("query_max_retries", 3)
	v.SetDefault("query_base_delay", time.Second)
	v.SetDefault("query_max_delay", 30*time.Second)

	v.SetDefault("http_max_retries", 3)
	v.SetDefault("http_rate_limit_delay", 60*time.Second)
	v.SetDefault("http_per_page", 96)
	v.SetDefault("http_currency", "EUR")
	v.SetDefault("http_requests_per_second", 0.5)

	v.SetDefault("credential_ttl", time.Hour)
	v.SetDefault("credential_store", "memory")

	v.SetDefault("monitor_active_interval", 5*time.Minute)
	v.SetDefault("monitor_blocked_interval", 30*time.Minute)
	v.SetDefault("cooldown_blocked", 30*time.Minute)
	v.SetDefault("cooldown_captcha", time.Hour)
	v.SetDefault("cooldown_rate_limited", 15*time.Minute)
	v.SetDefault("monitor_max_pages", 5)
	v.SetDefault("monitor_concurrency", 1)
	v.SetDefault("monitor_cleanup_interval", time.Hour)
	v.SetDefault("monitor_stale_after", 24*time.Hour)
	v.SetDefault("monitor_refresh_interval", 2*time.Hour)
	v.SetDefault("monitor_alert_cache_size", 4096)
	v.SetDefault("page_delay_mean", 30*time.Second)
	v.SetDefault("page_delay_stddev", 8*time.Second)
	v.SetDefault("page_delay_min", 5*time.Second)
	v.SetDefault("page_delay_max", 60*time.Second)

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_name", "price_watch")
	v.SetDefault("db_ssl_mode", "disable")
	v.SetDefault("db_max_conns", 10)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key_prefix", "pricewatch:")
	v.SetDefault("redis_relay_interval", 2*time.Second)
	v.SetDefault("redis_relay_batch_size", 50)
	v.SetDefault("redis_stream_max_len", 10000)

	v.SetDefault("alert_stream", "stream:price_alerts")
	v.SetDefault("alert_consumer_group", "alert-consumer-group")
	v.SetDefault("alert_consumer_name", "consumer-1")
	v.SetDefault("alert_webhook_url", "")
	v.SetDefault("alert_webhook_retries", 2)
	v.SetDefault("alert_webhook_timeout", 30*time.Second)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads configuration from defaults, the optional config file at path
// and the environment, in increasing order of precedence. Environment
// variables use the upper-case key, e.g. SCRAPER_MODE or DB_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:            v.GetString("port"),
			Host:            v.GetString("host"),
			ReadTimeout:     v.GetDuration("server_read_timeout"),
			ShutdownTimeout: v.GetDuration("server_shutdown_timeout"),
		},
		Scraper: ScraperConfig{
			Mode: strings.ToLower(strings.TrimSpace(v.GetString("scraper_mode"))),
		},
		Browser: BrowserConfig{
			Headless: v.GetBool("browser_headless"),
			SlowMo:   v.GetDuration("browser_slowmo"),
			Timeout:  v.GetDuration("browser_timeout"),
			Proxy:    v.GetString("browser_proxy"),
			Locale:   v.GetString("browser_locale"),
		},
		Target: TargetConfig{
			BaseURL:     strings.TrimRight(v.GetString("target_base_url"), "/"),
			CookieName:  v.GetString("target_cookie_name"),
			APIPath:     v.GetString("target_api_path"),
			ItemAPIPath: v.GetString("target_item_api_path"),
			TimezoneID:  v.GetString("target_timezone"),
			Latitude:    v.GetFloat64("target_latitude"),
			Longitude:   v.GetFloat64("target_longitude"),
		},
		Retry: RetryConfig{
			Acquire:      budget(v, "acquire"),
			NetworkQuery: budget(v, "network_query"),
			DOMQuery:     budget(v, "dom_query"),
			Query:        budget(v, "query"),
		},
		HTTP: HTTPConfig{
			MaxRetries:        v.GetInt("http_max_retries"),
			RateLimitDelay:    v.GetDuration("http_rate_limit_delay"),
			PerPage:           v.GetInt("http_per_page"),
			Currency:          v.GetString("http_currency"),
			RequestsPerSecond: v.GetFloat64("http_requests_per_second"),
		},
		Credential: CredentialConfig{
			TTL:   v.GetDuration("credential_ttl"),
			Store: strings.ToLower(v.GetString("credential_store")),
		},
		Monitor: MonitorConfig{
			ActiveInterval:  v.GetDuration("monitor_active_interval"),
			BlockedInterval: v.GetDuration("monitor_blocked_interval"),
			Cooldowns: CooldownConfig{
				Blocked:     v.GetDuration("cooldown_blocked"),
				Captcha:     v.GetDuration("cooldown_captcha"),
				RateLimited: v.GetDuration("cooldown_rate_limited"),
			},
			MaxPages:        v.GetInt("monitor_max_pages"),
			Concurrency:     v.GetInt("monitor_concurrency"),
			CleanupInterval: v.GetDuration("monitor_cleanup_interval"),
			StaleAfter:      v.GetDuration("monitor_stale_after"),
			RefreshInterval: v.GetDuration("monitor_refresh_interval"),
			AlertCacheSize:  v.GetInt("monitor_alert_cache_size"),
			PageDelayMean:   v.GetDuration("page_delay_mean"),
			PageDelayStdDev: v.GetDuration("page_delay_stddev"),
			PageDelayMin:    v.GetDuration("page_delay_min"),
			PageDelayMax:    v.GetDuration("page_delay_max"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("db_host"),
			Port:     v.GetInt("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			DBName:   v.GetString("db_name"),
			SSLMode:  v.GetString("db_ssl_mode"),
			MaxConns: v.GetInt32("db_max_conns"),
		},
		Redis: RedisConfig{
			Addr:           v.GetString("redis_addr"),
			Password:       v.GetString("redis_password"),
			DB:             v.GetInt("redis_db"),
			KeyPrefix:      v.GetString("redis_key_prefix"),
			RelayInterval:  v.GetDuration("redis_relay_interval"),
			RelayBatchSize: v.GetInt("redis_relay_batch_size"),
			StreamMaxLen:   v.GetInt64("redis_stream_max_len"),
		},
		Alerts: AlertsConfig{
			Stream:         v.GetString("alert_stream"),
			Group:          v.GetString("alert_consumer_group"),
			Consumer:       v.GetString("alert_consumer_name"),
			WebhookURL:     v.GetString("alert_webhook_url"),
			WebhookRetries: v.GetInt("alert_webhook_retries"),
			WebhookTimeout: v.GetDuration("alert_webhook_timeout"),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(v.GetString("log_level")),
			Format: strings.ToLower(v.GetString("log_format")),
		},
	}
}

func budget(v *viper.Viper, prefix string) RetryBudget {
	return RetryBudget{
		MaxRetries: v.GetInt(prefix + "_max_retries"),
		BaseDelay:  v.GetDuration(prefix + "_base_delay"),
		MaxDelay:   v.GetDuration(prefix + "_max_delay"),
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if c.Monitor.PageDelayMin > c.Monitor.PageDelayMax {
		errs = append(errs, errors.New("PAGE_DELAY_MIN cannot be greater than PAGE_DELAY_MAX"))
	}
	budgets := []struct {
		prefix string
		b      RetryBudget
	}{
		{"ACQUIRE", c.Retry.Acquire},
		{"NETWORK_QUERY", c.Retry.NetworkQuery},
		{"DOM_QUERY", c.Retry.DOMQuery},
		{"QUERY", c.Retry.Query},
	}
	for _, rb := range budgets {
		if rb.b.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s_MAX_RETRIES cannot be negative", rb.prefix))
		}
		if rb.b.BaseDelay > rb.b.MaxDelay {
			errs = append(errs, fmt.Errorf("%s_BASE_DELAY cannot be greater than %s_MAX_DELAY", rb.prefix, rb.prefix))
		}
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "oneof":
		return fmt.Errorf("%s %q must be one of %s", fe.Field(), fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Errorf("%s must be positive", fe.Field())
	case "min":
		return fmt.Errorf("%s must be at least %s", fe.Field(), fe.Param())
	case "http_url":
		return fmt.Errorf("%s %q must be an http or https URL", fe.Field(), fe.Value())
	default:
		return fmt.Errorf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
