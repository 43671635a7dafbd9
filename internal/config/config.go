package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBSQLitePath      string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	Webhook     WebhookConfig
	Gateway     ClientConfig
	Identity    IdentityConfig
	Minting     MintingConfig
	Fulfillment FulfillmentConfig
	Scheduler   SchedulerConfig

	CatalogPath string
	AdminToken  string

	IssueRateLimit float64
	IssueBurst     int
	StatusCacheTTL time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// WebhookConfig holds the shared-secret pair the payment gateway presents on callbacks.
type WebhookConfig struct {
	ClientID     string
	ClientSecret string
	MaxAge       time.Duration
	CallbackURL  string
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type IdentityConfig struct {
	ClientConfig
	CacheSize int
}

type MintingConfig struct {
	ClientConfig
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type FulfillmentConfig struct {
	Timeout        time.Duration
	LockTTL        time.Duration
	MaxAttempts    int
	RetryGrace     time.Duration
	RetryBaseDelay time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	Concurrency int
	EnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "mintflow"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "mintflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBSQLitePath:      getenv("DATABASE_SQLITE_PATH", "mintflow.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Webhook: WebhookConfig{
			ClientID:     strings.TrimSpace(getenv("WEBHOOK_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("WEBHOOK_CLIENT_SECRET", "")),
			MaxAge:       getenvDuration("WEBHOOK_MAX_AGE", 5*time.Minute),
			CallbackURL:  strings.TrimSpace(getenv("WEBHOOK_CALLBACK_URL", "")),
		},
		Gateway: ClientConfig{
			BaseURL: strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")),
			APIKey:  strings.TrimSpace(getenv("GATEWAY_API_KEY", "")),
			Timeout: getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Identity: IdentityConfig{
			ClientConfig: ClientConfig{
				BaseURL: strings.TrimSpace(getenv("IDENTITY_BASE_URL", "")),
				APIKey:  strings.TrimSpace(getenv("IDENTITY_API_KEY", "")),
				Timeout: getenvDuration("IDENTITY_TIMEOUT", 5*time.Second),
			},
			CacheSize: getenvInt("IDENTITY_CACHE_SIZE", 1024),
		},
		Minting: MintingConfig{
			ClientConfig: ClientConfig{
				BaseURL: strings.TrimSpace(getenv("MINTING_BASE_URL", "")),
				APIKey:  strings.TrimSpace(getenv("MINTING_API_KEY", "")),
				Timeout: getenvDuration("MINTING_TIMEOUT", 10*time.Second),
			},
			PollInterval: getenvDuration("MINTING_POLL_INTERVAL", 500*time.Millisecond),
			PollTimeout:  getenvDuration("MINTING_POLL_TIMEOUT", 45*time.Second),
		},
		Fulfillment: FulfillmentConfig{
			Timeout:        getenvDuration("FULFILLMENT_TIMEOUT", time.Minute),
			LockTTL:        getenvDuration("FULFILLMENT_LOCK_TTL", 2*time.Minute),
			MaxAttempts:    getenvInt("FULFILLMENT_MAX_ATTEMPTS", 8),
			RetryGrace:     getenvDuration("FULFILLMENT_RETRY_GRACE", 2*time.Minute),
			RetryBaseDelay: getenvDuration("FULFILLMENT_RETRY_BASE_DELAY", 30*time.Second),
		},

		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 15*time.Second),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			Concurrency: getenvInt("SCHEDULER_CONCURRENCY", 4),
			EnabledJobs: getenvList("SCHEDULER_ENABLED_JOBS"),
		},

		CatalogPath: strings.TrimSpace(getenv("CATALOG_PATH", "")),
		AdminToken:  strings.TrimSpace(getenv("ADMIN_TOKEN", "")),

		IssueRateLimit: getenvFloat("ISSUE_RATE_LIMIT", 1),
		IssueBurst:     getenvInt("ISSUE_RATE_BURST", 5),
		StatusCacheTTL: getenvDuration("STATUS_CACHE_TTL", 5*time.Second),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getenvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
