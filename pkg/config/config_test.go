package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 100, cfg.Pools.MaxConnections)
	assert.Equal(t, 10, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Metrics.Window)
	assert.NotEmpty(t, cfg.Alerts.Rules)
	assert.Equal(t, ":8085", cfg.Server.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.Cache.DefaultTTL = 0 }},
		{"negative max entries", func(c *Config) { c.Cache.MaxEntries = -1 }},
		{"zero max connections", func(c *Config) { c.Pools.MaxConnections = 0 }},
		{"zero acquire timeout", func(c *Config) { c.Pools.AcquireTimeout = 0 }},
		{"zero concurrency", func(c *Config) { c.Executor.MaxConcurrency = 0 }},
		{"negative retries", func(c *Config) { c.Executor.MaxRetries = -1 }},
		{"multiplier below one", func(c *Config) { c.Executor.RetryMultiplier = 0.5 }},
		{"zero metrics window", func(c *Config) { c.Metrics.Window = 0 }},
		{"bad comparator", func(c *Config) { c.Alerts.Rules[0].Comparator = "!=" }},
		{"bad severity", func(c *Config) { c.Alerts.Rules[0].Severity = "fatal" }},
		{"zero scoring weights", func(c *Config) {
			c.Scoring = ScoringConfig{}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cache:
  default_ttl: 10m
  max_entries: 500
pools:
  max_connections: 25
executor:
  max_retries: 5
server:
  addr: ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 25, cfg.Pools.MaxConnections)
	assert.Equal(t, 5, cfg.Executor.MaxRetries)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Executor.MaxConcurrency)
	assert.Equal(t, time.Hour, cfg.Metrics.Window)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TIDEPOOL_TEST_ADDR", ":7070")

	path := writeConfig(t, `
server:
  addr: "${TIDEPOOL_TEST_ADDR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
pools:
  max_connections: 0
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
