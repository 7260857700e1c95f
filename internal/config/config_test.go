package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults need a token secret", func(t *testing.T) {
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token secret is required")
	})

	t.Run("load with defaults", func(t *testing.T) {
		t.Setenv("LABRANGE_TOKEN_SECRET", "s3cret")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, "info", cfg.Server.LogLevel)
		assert.Empty(t, cfg.Server.AllowedOrigins)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "lab-", cfg.Kubernetes.NamespacePrefix)
		assert.Equal(t, "gvisor", cfg.Kubernetes.RuntimeClass)
		assert.Equal(t, 60, cfg.Timeouts.DefaultTTLMinutes)
		assert.Equal(t, 3, cfg.Jobs.Concurrency)
		assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
		assert.InDelta(t, 1000.0, cfg.Budget.MonthlyLimit, 0.001)
		assert.False(t, cfg.Limits.MaintenanceMode)
	})

	t.Run("load from yaml file", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9000
  allowed_origins: ["https://lab.example"]
auth:
  token_secret: from-file
budget:
  monthly_limit: 250
submission:
  allowed_registries: [ghcr.io]
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, []string{"https://lab.example"}, cfg.Server.AllowedOrigins)
		assert.Equal(t, "from-file", cfg.Auth.TokenSecret)
		assert.InDelta(t, 250.0, cfg.Budget.MonthlyLimit, 0.001)
		assert.Equal(t, []string{"ghcr.io"}, cfg.Submission.AllowedRegistries)
		// untouched sections keep their defaults
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.InDelta(t, 50.0, cfg.Budget.DailyLimit, 0.001)
	})

	t.Run("override with environment variables", func(t *testing.T) {
		path := writeConfig(t, "auth:\n  token_secret: from-file\nserver:\n  port: 9000\n")
		t.Setenv("LABRANGE_PORT", "9090")
		t.Setenv("LABRANGE_LOG_LEVEL", "debug")
		t.Setenv("LABRANGE_MAINTENANCE_MODE", "true")
		t.Setenv("LABRANGE_ALLOWED_REGISTRIES", "ghcr.io, docker.io ,")
		t.Setenv("LABRANGE_ALLOWED_ORIGINS", "https://a.example,https://b.example")
		t.Setenv("LABRANGE_MONTHLY_BUDGET", "500")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Server.LogLevel)
		assert.True(t, cfg.Limits.MaintenanceMode)
		assert.Equal(t, []string{"ghcr.io", "docker.io"}, cfg.Submission.AllowedRegistries)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
		assert.InDelta(t, 500.0, cfg.Budget.MonthlyLimit, 0.001)
	})

	t.Run("dsn without driver selects postgres", func(t *testing.T) {
		t.Setenv("LABRANGE_TOKEN_SECRET", "s3cret")
		t.Setenv("LABRANGE_DB_DSN", "postgres://localhost/labrange")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Database.Driver)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [unterminated"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.TokenSecret = "s3cret"
		return cfg
	}
	require.NoError(t, validate(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 99999 }, "invalid port"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
		{"empty namespace prefix", func(c *Config) { c.Kubernetes.NamespacePrefix = "" }, "namespace prefix"},
		{"negative price", func(c *Config) { c.Pricing.VCPUHour = -1 }, "prices cannot be negative"},
		{"inverted ttl range", func(c *Config) { c.Timeouts.MaxTTLMinutes = 5 }, "invalid ttl range"},
		{"default ttl out of range", func(c *Config) { c.Timeouts.DefaultTTLMinutes = 1000 }, "default ttl"},
		{"soft limit above 100", func(c *Config) { c.Budget.SoftLimitPercent = 120 }, "soft limit percent"},
		{"zero concurrency", func(c *Config) { c.Jobs.Concurrency = 0 }, "job concurrency"},
		{"zero attempts", func(c *Config) { c.Jobs.MaxAttempts = 0 }, "job max attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Minute, cfg.Timeouts.SweepInterval())
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.ProvisionTimeout())
	assert.Equal(t, 5*time.Second, cfg.Jobs.PollInterval())
	assert.Equal(t, 7*24*time.Hour, cfg.Jobs.Retention())
	assert.Equal(t, 30*time.Minute, cfg.Budget.CheckInterval())
	assert.Equal(t, 30*time.Minute, cfg.Budget.GracePeriod())

	var zero TimeoutConfig
	assert.Equal(t, 10*time.Second, zero.TaskPollInterval())
	assert.Equal(t, 10*time.Second, zero.TeardownPollInterval())
	var zeroJobs JobsConfig
	assert.Equal(t, 7*24*time.Hour, zeroJobs.Retention())
}
