package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/alpredoben/flash-sale-sub001/pkg/config"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
)

// Config holds all configuration for the flash-sale service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"flashsale"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"flashsale_secret"`
	PostgresDB   string `env:"POSTGRES_DB_NAME" envDefault:"flashsale_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Message bus
	BusBrokers             []string `env:"BUS_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	BusPrefetchEmail       int      `env:"BUS_PREFETCH_EMAIL" envDefault:"5"`
	BusPrefetchReservation int      `env:"BUS_PREFETCH_RESERVATION" envDefault:"10"`
	BusReconnectIntervalMs int      `env:"BUS_RECONNECT_INTERVAL_MS" envDefault:"5000"`

	// Reservation hold window in seconds (default 10 minutes)
	HoldDurationSecs int `env:"HOLD_DURATION_SECONDS" envDefault:"600"`

	// Expiry sweeper
	SweeperIntervalSecs int `env:"SWEEPER_INTERVAL_SECONDS" envDefault:"60"`
	SweeperBatchLimit   int `env:"SWEEPER_BATCH_LIMIT" envDefault:"500"`

	// Sweeper health thresholds on success rate
	HealthHealthyThreshold  float64 `env:"HEALTH_HEALTHY_THRESHOLD" envDefault:"0.95"`
	HealthDegradedThreshold float64 `env:"HEALTH_DEGRADED_THRESHOLD" envDefault:"0.80"`

	// Rate limits
	RateLimitCreatePerMin   int `env:"RATE_LIMIT_CREATE_PER_MINUTE" envDefault:"5"`
	RateLimitCheckoutPerMin int `env:"RATE_LIMIT_CHECKOUT_PER_MINUTE" envDefault:"10"`
	RateLimitGeneralMax     int `env:"RATE_LIMIT_GENERAL_MAX" envDefault:"100"`
	RateLimitGeneralWinSecs int `env:"RATE_LIMIT_GENERAL_WINDOW_SECONDS" envDefault:"900"`
	RateLimitAuthMax        int `env:"RATE_LIMIT_AUTH_MAX" envDefault:"5"`
	RateLimitAuthWinSecs    int `env:"RATE_LIMIT_AUTH_WINDOW_SECONDS" envDefault:"900"`

	// Cache TTLs
	CacheUserTTLSecs int `env:"CACHE_USER_TTL_SECONDS" envDefault:"1800"`

	// JWT
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Mail provider (HTTP API). Empty URL selects the mock sender.
	MailProviderURL string `env:"MAIL_PROVIDER_URL" envDefault:""`
	MailFromAddress string `env:"MAIL_FROM_ADDRESS" envDefault:"noreply@flashsale.local"`
	MailAPIKey      string `env:"MAIL_API_KEY" envDefault:""`

	// Low stock listing threshold
	LowStockThreshold int `env:"LOW_STOCK_THRESHOLD" envDefault:"10"`

	// Request deadline
	RequestTimeoutSecs int `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load flashsale config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants. A violation here is fatal at
// startup; there is no point running with a broken hold window.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.BusBrokers) == 0 {
		return fmt.Errorf("BUS_BROKERS is required")
	}
	if c.HoldDurationSecs <= 0 {
		return fmt.Errorf("HOLD_DURATION_SECONDS must be > 0, got %d", c.HoldDurationSecs)
	}
	if c.SweeperIntervalSecs <= 0 {
		return fmt.Errorf("SWEEPER_INTERVAL_SECONDS must be > 0, got %d", c.SweeperIntervalSecs)
	}
	if c.SweeperBatchLimit <= 0 {
		return fmt.Errorf("SWEEPER_BATCH_LIMIT must be > 0, got %d", c.SweeperBatchLimit)
	}
	if c.HealthHealthyThreshold < c.HealthDegradedThreshold {
		return fmt.Errorf("HEALTH_HEALTHY_THRESHOLD (%f) must be >= HEALTH_DEGRADED_THRESHOLD (%f)",
			c.HealthHealthyThreshold, c.HealthDegradedThreshold)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

// PostgresConfig builds the database pool configuration.
func (c *Config) PostgresConfig() *database.PostgresConfig {
	return &database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: time.Duration(c.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(c.DBMaxConnIdleTimeMins) * time.Minute,
	}
}

// RedisConfig builds the Redis client configuration.
func (c *Config) RedisConfig() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// HoldDuration returns the reservation hold window.
func (c *Config) HoldDuration() time.Duration {
	return time.Duration(c.HoldDurationSecs) * time.Second
}

// SweeperInterval returns the sweeper tick cadence.
func (c *Config) SweeperInterval() time.Duration {
	return time.Duration(c.SweeperIntervalSecs) * time.Second
}

// BusReconnectInterval returns the fixed reconnect backoff for bus consumers.
func (c *Config) BusReconnectInterval() time.Duration {
	return time.Duration(c.BusReconnectIntervalMs) * time.Millisecond
}

// CacheUserTTL returns the TTL for cached user principals.
func (c *Config) CacheUserTTL() time.Duration {
	return time.Duration(c.CacheUserTTLSecs) * time.Second
}

// RequestTimeout returns the request-scoped deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}
