// Package config loads application configuration from environment variables
// with sensible defaults and validates it before the service starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Store Configuration:
//   - STORE_TYPE: Credential store backend - "memory", "sqlite", "postgres"
//     or "redis" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./tokenkeeper.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Provider Configuration:
//   - PROVIDER_CLIENT_ID: OAuth2 application id at the payment platform (required)
//   - PROVIDER_CLIENT_SECRET: OAuth2 application secret (required)
//   - PROVIDER_TOKEN_URL: Token exchange endpoint (required)
//   - PROVIDER_REVOKE_URL: Token revocation endpoint (optional)
//   - PLATFORM_API_URL: Platform API base URL for the call gateway (required)
//
// Refresh Policy:
//   - REFRESH_MARGIN: Window before expiry that triggers a refresh (default: 120h)
//   - TOKEN_TTL: Assumed lifetime when the provider omits expires_in (default: 720h)
//
// Sweep Configuration:
//   - SWEEP_SCHEDULE: Cron expression for proactive sweeps (default: "0 */6 * * *")
//   - SWEEP_CONCURRENCY: Simultaneous refreshes per sweep (default: 5)
//   - SWEEP_RATE: Refresh starts per second during a sweep (default: 10)
//
// Security Configuration:
//   - JWT_SECRET: JWT signing secret for the ops API (required, minimum 32 characters)
//   - TOKEN_ENCRYPTION_KEY: Key for encrypting stored tokens (32 characters if provided)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the service. All fields map to
// environment variables; load with Load and check with Validate before use.
type Config struct {
	// Application settings
	Port     string
	LogLevel string

	// Credential store backend
	StoreType    string
	DatabasePath string

	// PostgreSQL settings
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis settings
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Provider application credentials and endpoints
	ProviderClientID     string
	ProviderClientSecret string
	ProviderTokenURL     string
	ProviderRevokeURL    string
	PlatformAPIURL       string

	// Refresh policy
	RefreshMargin string
	TokenTTL      string

	// Sweep settings
	SweepSchedule    string
	SweepConcurrency string
	SweepRate        string

	// Security
	JWTSecret          string
	TokenEncryptionKey string
}

// Load creates a Config with values from environment variables, falling back
// to defaults where unset. Call Validate on the result before using it.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreType:    getEnv("STORE_TYPE", "sqlite"),
		DatabasePath: getEnv("DATABASE_PATH", "./tokenkeeper.db"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "tokenkeeper"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		ProviderClientID:     getEnv("PROVIDER_CLIENT_ID", ""),
		ProviderClientSecret: getEnv("PROVIDER_CLIENT_SECRET", ""),
		ProviderTokenURL:     getEnv("PROVIDER_TOKEN_URL", ""),
		ProviderRevokeURL:    getEnv("PROVIDER_REVOKE_URL", ""),
		PlatformAPIURL:       getEnv("PLATFORM_API_URL", ""),

		RefreshMargin: getEnv("REFRESH_MARGIN", "120h"),
		TokenTTL:      getEnv("TOKEN_TTL", "720h"),

		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "0 */6 * * *"),
		SweepConcurrency: getEnv("SWEEP_CONCURRENCY", "5"),
		SweepRate:        getEnv("SWEEP_RATE", "10"),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks required fields, formats and cross-field dependencies.
// Call it after Load and before wiring anything else.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long for security")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	if c.ProviderClientID == "" {
		return fmt.Errorf("PROVIDER_CLIENT_ID environment variable is required")
	}
	if c.ProviderClientSecret == "" {
		return fmt.Errorf("PROVIDER_CLIENT_SECRET environment variable is required")
	}
	if c.ProviderTokenURL == "" {
		return fmt.Errorf("PROVIDER_TOKEN_URL environment variable is required")
	}
	if c.PlatformAPIURL == "" {
		return fmt.Errorf("PLATFORM_API_URL environment variable is required")
	}

	switch c.StoreType {
	case "memory", "sqlite", "postgres", "postgresql", "redis":
	default:
		return fmt.Errorf("STORE_TYPE must be 'memory', 'sqlite', 'postgres' or 'redis'")
	}

	if c.StoreType == "postgres" || c.StoreType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.StoreType == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when using Redis")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if _, err := time.ParseDuration(c.RefreshMargin); err != nil {
		return fmt.Errorf("REFRESH_MARGIN must be a valid duration (e.g., '120h')")
	}
	if _, err := time.ParseDuration(c.TokenTTL); err != nil {
		return fmt.Errorf("TOKEN_TTL must be a valid duration (e.g., '720h')")
	}

	if n, err := strconv.Atoi(c.SweepConcurrency); err != nil || n < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be a positive number")
	}
	if rate, err := strconv.ParseFloat(c.SweepRate, 64); err != nil || rate <= 0 {
		return fmt.Errorf("SWEEP_RATE must be a positive number")
	}

	if c.TokenEncryptionKey != "" && len(c.TokenEncryptionKey) != 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 32 characters (256 bits) when provided")
	}

	return nil
}

// RefreshMarginDuration returns the parsed refresh margin. Validate must
// have succeeded first.
func (c *Config) RefreshMarginDuration() time.Duration {
	d, _ := time.ParseDuration(c.RefreshMargin)
	return d
}

// TokenTTLDuration returns the parsed fallback token lifetime
func (c *Config) TokenTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.TokenTTL)
	return d
}

// SweepConcurrencyInt returns the parsed sweep worker count
func (c *Config) SweepConcurrencyInt() int {
	n, _ := strconv.Atoi(c.SweepConcurrency)
	return n
}

// SweepRateFloat returns the parsed sweep rate limit
func (c *Config) SweepRateFloat() float64 {
	f, _ := strconv.ParseFloat(c.SweepRate, 64)
	return f
}
