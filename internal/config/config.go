// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables, covering every key spec.md §6 names plus the ambient HTTP/
// server settings the teacher repo carries.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	MongoURI string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB  string `env:"MONGO_DB" envDefault:"mengla"`
	RedisURI string `env:"REDIS_URI" envDefault:"redis://localhost:6379/0"`

	CollectServiceURL    string `env:"COLLECT_SERVICE_URL" envDefault:"https://collect.example.com"`
	CollectServiceAPIKey string `env:"COLLECT_SERVICE_API_KEY"`
	AppBaseURL           string `env:"APP_BASEURL" envDefault:"http://localhost:8080"`
	MenglaWebhookURL     string `env:"MENGLA_WEBHOOK_URL"`
	MenglaTimeoutSeconds int    `env:"MENGLA_TIMEOUT_SECONDS" envDefault:"300"`

	MaxInflightRequests int `env:"MAX_INFLIGHT_REQUESTS" envDefault:"1"`
	MaxConcurrentTasks  int `env:"MAX_CONCURRENT_TASKS" envDefault:"5"`

	L1CacheMaxSize int           `env:"L1_CACHE_MAX_SIZE" envDefault:"1000"`
	L1CacheTTL     time.Duration `env:"L1_CACHE_TTL" envDefault:"5m"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"60s"`

	CBFailureThreshold int           `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBSuccessThreshold int           `env:"CB_SUCCESS_THRESHOLD" envDefault:"3"`
	CBTimeout          time.Duration `env:"CB_TIMEOUT" envDefault:"60s"`
	CBHalfOpenCalls    int           `env:"CB_HALF_OPEN_CALLS" envDefault:"3"`

	CollectIntervalSeconds int `env:"COLLECT_INTERVAL_SECONDS" envDefault:"240"`

	// CategoryCatIDs is a static stand-in for the out-of-scope category
	// catalogue collaborator (spec §1, §4.5): a comma-separated list of
	// top-level cat_ids the scheduler sweeps every period.
	CategoryCatIDs string `env:"CATEGORY_CAT_IDS" envDefault:"1,2,3,4,5"`

	CronDailyCollect     string `env:"CRON_daily_collect" envDefault:"0 4 * * *"`
	CronMonthlyCollect   string `env:"CRON_monthly_collect" envDefault:"0 5 3 * *"`
	CronQuarterlyCollect string `env:"CRON_quarterly_collect" envDefault:"0 6 10 1,4,7,10 *"`
	CronYearlyCollect    string `env:"CRON_yearly_collect" envDefault:"0 7 20 1 *"`
	CronBackfillCheck    string `env:"CRON_backfill_check" envDefault:"0 */4 * * *"`

	JWTSecret         string `env:"JWT_SECRET"`
	AdminUsername     string `env:"ADMIN_USERNAME"`
	AdminPassword     string `env:"ADMIN_PASSWORD"`
	EnablePanelAdmin  bool   `env:"ENABLE_PANEL_ADMIN" envDefault:"false"`
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Slack alert sink, wired alongside the mandatory log sink (spec §4.4).
	SlackAlertWebhookToken string `env:"SLACK_ALERT_TOKEN"`
	SlackAlertChannel      string `env:"SLACK_ALERT_CHANNEL"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"mengla-collector"`

	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// AdminEnabled reports whether admin features should be enabled: panel
// admin explicitly on, or basic credentials configured.
func (c Config) AdminEnabled() bool {
	return c.EnablePanelAdmin || (c.AdminUsername != "" && c.AdminPassword != "")
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// MenglaTimeout returns the dispatcher's upstream rendezvous deadline.
func (c Config) MenglaTimeout() time.Duration {
	return time.Duration(c.MenglaTimeoutSeconds) * time.Second
}

// CollectInterval returns the crawl_queue interval job's base period
// (spec §4.5: "240s ± 60s jitter").
func (c Config) CollectInterval() time.Duration {
	return time.Duration(c.CollectIntervalSeconds) * time.Second
}

// CategoryCatIDList splits CategoryCatIDs into its component cat_ids,
// dropping blanks.
func (c Config) CategoryCatIDList() []string {
	var out []string
	for _, id := range strings.Split(c.CategoryCatIDs, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
