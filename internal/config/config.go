package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds configuration for the metering core.
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Billing   BillingConfig
	Recorder  RecorderConfig
	APIKey    APIKeyConfig
	Provider  ProviderConfig
	Log       LogConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // "postgres" or "sqlite"
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Prefix       string // namespace for every key: {prefix}:{purpose}:{id}
}

// RateLimitConfig holds admission settings
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	BurstCheck        bool          // compose the token-bucket check after the fixed window
	Timeout           time.Duration // admission checks slower than this are denied
}

// CacheConfig holds cache facade and in-process LRU settings
type CacheConfig struct {
	DefaultTTL        time.Duration
	ProviderStatusTTL time.Duration
	PricingCacheSize  int
	PricingCacheTTL   time.Duration
	APIKeyCacheSize   int
	APIKeyCacheTTL    time.Duration
}

// BillingConfig holds ledger defaults
type BillingConfig struct {
	DefaultCreditLimit decimal.Decimal
	Currency           string
}

// RecorderConfig holds usage recorder transaction settings
type RecorderConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// APIKeyConfig holds key generation settings
type APIKeyConfig struct {
	Prefix string
	Length int
}

// ProviderConfig is consumed by the provider-client collaborator, not by the core.
type ProviderConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, val, err)
	}
	return d, nil
}

// Load reads configuration from environment variables, after merging a .env
// file from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	creditLimit, err := getEnvDecimal("DEFAULT_CREDIT_LIMIT", decimal.RequireFromString("500.00"))
	if err != nil {
		return nil, err
	}
	if creditLimit.IsNegative() {
		return nil, fmt.Errorf("DEFAULT_CREDIT_LIMIT must be non-negative, got %s", creditLimit)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:          getEnvString("DATABASE_DRIVER", "postgres"),
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			Prefix:       getEnvString("REDIS_PREFIX", "xrouter"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_DEFAULT", 100),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 200),
			BurstCheck:        getEnvBool("RATE_LIMIT_BURST_CHECK", false),
			Timeout:           getEnvDuration("RATE_LIMIT_TIMEOUT", 500*time.Millisecond),
		},
		Cache: CacheConfig{
			DefaultTTL:        getEnvDuration("CACHE_TTL", time.Hour),
			ProviderStatusTTL: getEnvDuration("PROVIDER_STATUS_TTL", 60*time.Second),
			PricingCacheSize:  getEnvInt("PRICING_CACHE_SIZE", 500),
			PricingCacheTTL:   getEnvDuration("PRICING_CACHE_TTL", 5*time.Minute),
			APIKeyCacheSize:   getEnvInt("API_KEY_CACHE_SIZE", 1000),
			APIKeyCacheTTL:    getEnvDuration("API_KEY_CACHE_TTL", 30*time.Second),
		},
		Billing: BillingConfig{
			DefaultCreditLimit: creditLimit,
			Currency:           getEnvString("BILLING_CURRENCY", "RUB"),
		},
		Recorder: RecorderConfig{
			MaxRetries:   getEnvInt("RECORD_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("RECORD_RETRY_BACKOFF", 50*time.Millisecond),
			Timeout:      getEnvDuration("RECORD_TIMEOUT", 10*time.Second),
		},
		APIKey: APIKeyConfig{
			Prefix: getEnvString("API_KEY_PREFIX", "xr"),
			Length: getEnvInt("API_KEY_LENGTH", 32),
		},
		Provider: ProviderConfig{
			Timeout:    getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvInt("PROVIDER_MAX_RETRIES", 3),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
	}

	if cfg.RateLimit.RequestsPerMinute < 0 {
		return nil, fmt.Errorf("RATE_LIMIT_DEFAULT must be non-negative, got %d", cfg.RateLimit.RequestsPerMinute)
	}

	return cfg, nil
}
