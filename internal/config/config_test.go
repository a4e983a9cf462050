package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// TestPurpose: Validates defaults and environment overrides.
// Scope: Unit Test
// Expected: Unset variables fall back to defaults; set variables override them.
// Test Case ID: CFG-01
func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", DriverMemory)
	t.Setenv("AUTH_JWT_SECRET", testSecret)
	t.Setenv("RESOLVER_TIMEOUT", "750ms")
	t.Setenv("PUBLIC_SITE_CONFIG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Resolver.Timeout)
	assert.True(t, cfg.Policy.PublicSiteConfig)
	assert.Equal(t, 5*time.Second, cfg.Storage.RetryMaxElapsed)
	assert.Equal(t, float64(10), cfg.RateLimit.RequestsPerSecond)
}

// TestPurpose: Validates that malformed values fall back to defaults instead of zero.
// Scope: Unit Test
// Expected: A bad duration keeps the default resolver timeout.
// Test Case ID: CFG-02
func TestLoad_MalformedValues(t *testing.T) {
	t.Setenv("DB_DRIVER", DriverMemory)
	t.Setenv("AUTH_JWT_SECRET", testSecret)
	t.Setenv("RESOLVER_TIMEOUT", "soon")
	t.Setenv("RATELIMIT_BURST", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Resolver.Timeout)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
}

// TestPurpose: Validates that unsafe configurations are rejected at start-up.
// Scope: Unit Test
// Security: Secure defaults
// Expected: Missing secrets, a short JWT key or an unknown driver fail validation.
// Test Case ID: CFG-03
func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: DriverPostgres, Password: "pw"},
			Auth:     AuthConfig{JWTSecret: testSecret},
			Resolver: ResolverConfig{Timeout: time.Second},
		}
	}

	require.NoError(t, base().Validate())

	c := base()
	c.Database.Password = ""
	assert.ErrorContains(t, c.Validate(), "DB_PASSWORD")

	c = base()
	c.Database.Driver = "sqlite"
	assert.ErrorContains(t, c.Validate(), "DB_DRIVER")

	c = base()
	c.Auth.JWTSecret = strings.Repeat("x", 8)
	assert.ErrorContains(t, c.Validate(), "AUTH_JWT_SECRET")

	c = base()
	c.Resolver.Timeout = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Database.Driver = DriverMemory
	c.Database.Password = ""
	assert.NoError(t, c.Validate())
}
