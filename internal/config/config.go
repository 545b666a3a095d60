package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minTokenSecretLength matches what the token signer accepts
const minTokenSecretLength = 32

// Config holds configuration for the wallet service.
type Config struct {
	HTTPPort string
	Env      string
	LogLevel string

	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Pricing   PricingConfig
	RateLimit RateLimitConfig
	Provider  ProviderConfig
	Queue     QueueConfig
	Anomaly   AnomalyConfig
	Export    ExportConfig
}

// AuthConfig holds the service token settings of the internal API
type AuthConfig struct {
	TokenSecret string // HMAC secret for HS256 service tokens
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PricingConfig points at the model price / plan cap file.
type PricingConfig struct {
	File  string
	Watch bool // reload the file when it changes on disk
}

// RateLimitConfig holds per-user request throttling settings
type RateLimitConfig struct {
	RequestsPerMinute int // 0 disables throttling
}

// ProviderConfig holds LLM provider credentials and timeouts
type ProviderConfig struct {
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	RequestTimeout   time.Duration
}

// QueueConfig holds settings shared by the background queues
type QueueConfig struct {
	UseRedis     bool
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// AnomalyConfig controls the settlement anomaly backlog report
type AnomalyConfig struct {
	ReportSchedule string // cron expression, empty disables the report
}

// ExportConfig holds configuration for the S3 usage event export
type ExportConfig struct {
	Enabled  bool
	S3Bucket string
	S3Region string
	S3Prefix string
	PodName  string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	driver := strings.ToLower(getEnvString("DATABASE_DRIVER", "postgres"))
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", driver)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// SQLite allows a single writer; the pool is pinned to one connection.
	maxOpen := getEnvInt("DB_MAX_OPEN_CONNS", 25)
	if driver == "sqlite" {
		maxOpen = 1
	}

	cfg := &Config{
		HTTPPort: getEnvString("HTTP_PORT", "8080"),
		Env:      getEnvString("ENV", "prod"),
		LogLevel: getEnvString("LOG_LEVEL", ""),
		Auth: AuthConfig{
			TokenSecret: os.Getenv("AUTH_TOKEN_SECRET"),
		},
		Database: DatabaseConfig{
			Driver:          driver,
			URL:             dbURL,
			MaxOpenConns:    maxOpen,
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Pricing: PricingConfig{
			File:  getEnvString("PRICING_FILE", "config/pricing.yaml"),
			Watch: getEnvBool("PRICING_WATCH", true),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_RPM", 0),
		},
		Provider: ProviderConfig{
			OpenAIAPIKey:     getEnvString("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    getEnvString("OPENAI_BASE_URL", ""),
			AnthropicAPIKey:  getEnvString("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: getEnvString("ANTHROPIC_BASE_URL", ""),
			RequestTimeout:   getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
		},
		Queue: QueueConfig{
			UseRedis:     getEnvBool("QUEUE_USE_REDIS", false),
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
		Anomaly: AnomalyConfig{
			ReportSchedule: getEnvString("ANOMALY_REPORT_SCHEDULE", "*/15 * * * *"),
		},
		Export: ExportConfig{
			Enabled:  getEnvBool("EXPORT_ENABLED", false),
			S3Bucket: getEnvString("EXPORT_S3_BUCKET", ""),
			S3Region: getEnvString("EXPORT_S3_REGION", "us-east-1"),
			S3Prefix: getEnvString("EXPORT_S3_PREFIX", "usage-events/"),
			PodName:  getEnvString("POD_NAME", "walletd-0"),
		},
	}

	if len(cfg.Auth.TokenSecret) < minTokenSecretLength {
		return nil, fmt.Errorf("AUTH_TOKEN_SECRET must be at least %d characters", minTokenSecretLength)
	}
	if cfg.Queue.UseRedis && !cfg.Redis.Enabled {
		return nil, fmt.Errorf("QUEUE_USE_REDIS requires REDIS_ENABLED")
	}
	if cfg.Export.Enabled && cfg.Export.S3Bucket == "" {
		return nil, fmt.Errorf("EXPORT_S3_BUCKET is required when EXPORT_ENABLED is set")
	}

	return cfg, nil
}
