package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Resolver      ResolverConfig
	Storage       StorageConfig
	Policy        PolicyConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// AuthConfig describes the tokens issued by the authentication provider.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	TokenTTL  time.Duration
}

// ResolverConfig bounds profile resolution.
type ResolverConfig struct {
	Timeout time.Duration
}

// StorageConfig tunes retries of authoritative writes.
type StorageConfig struct {
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// PolicyConfig selects the storage policy document.
type PolicyConfig struct {
	// Path overrides the embedded policy document when set.
	Path string
	// PublicSiteConfig lets unauthenticated principals read the site configuration.
	PublicSiteConfig bool
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:   parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:    parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			RequestTimeout: parseDuration("SERVER_REQUEST_TIMEOUT", "30s"),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", DriverPostgres),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "pressgate"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "pressgate"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
			AutoMigrate:     parseBool("DB_AUTO_MIGRATE", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_ISSUER", "pressgate-dev"),
			Audience:  getEnv("AUTH_AUDIENCE", "pressgate"),
			TokenTTL:  parseDuration("AUTH_TOKEN_TTL", "1h"),
		},
		Resolver: ResolverConfig{
			Timeout: parseDuration("RESOLVER_TIMEOUT", "3s"),
		},
		Storage: StorageConfig{
			RetryInitialInterval: parseDuration("STORAGE_RETRY_INITIAL_INTERVAL", "100ms"),
			RetryMaxElapsed:      parseDuration("STORAGE_RETRY_MAX_ELAPSED", "5s"),
		},
		Policy: PolicyConfig{
			Path:             getEnv("POLICY_PATH", ""),
			PublicSiteConfig: parseBool("PUBLIC_SITE_CONFIG", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "pressgate"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
			SamplingRate:   parseFloat("OTEL_SAMPLING_RATE", 1.0),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Password == "" {
			return errors.New("DB_PASSWORD is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("AUTH_JWT_SECRET must be at least 32 bytes")
	}
	if c.Resolver.Timeout <= 0 {
		return errors.New("RESOLVER_TIMEOUT must be positive")
	}
	if c.Storage.RetryMaxElapsed < 0 {
		return errors.New("STORAGE_RETRY_MAX_ELAPSED must not be negative")
	}
	return nil
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
