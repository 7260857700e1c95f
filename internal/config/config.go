package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Network    NetworkConfig    `yaml:"network"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Limits     LimitsConfig     `yaml:"limits"`
	Budget     BudgetConfig     `yaml:"budget"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Auth       AuthConfig       `yaml:"auth"`
	Notify     NotifyConfig     `yaml:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Submission SubmissionConfig `yaml:"submission"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
	// AllowedOrigins restricts websocket session watchers; empty allows all
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the relational store.
// Driver is "sqlite" (default) or "postgres"; DSN is required for postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

// KubernetesConfig holds Kubernetes connection configuration
type KubernetesConfig struct {
	Kubeconfig      string `yaml:"kubeconfig"`
	NamespacePrefix string `yaml:"namespace_prefix"`
	RuntimeClass    string `yaml:"runtime_class"`
}

// NetworkConfig is the static infrastructure attachment every task is launched with.
// It is what lets a task reach registries and log sinks; it is not the per-machine
// isolation group.
type NetworkConfig struct {
	InfraSubnets        []string `yaml:"infra_subnets"`
	InfraSecurityGroups []string `yaml:"infra_security_groups"`
	AssignPublicIP      bool     `yaml:"assign_public_ip"`
}

// PricingConfig holds per-unit prices used by the cost model
type PricingConfig struct {
	VCPUHour     float64 `yaml:"vcpu_hour"`
	MemoryGBHour float64 `yaml:"memory_gb_hour"`
}

// LimitsConfig holds admission-control ceilings. A zero ceiling disables that check.
type LimitsConfig struct {
	MaintenanceMode           bool `yaml:"maintenance_mode"`
	MaxTotalSessions          int  `yaml:"max_total_sessions"`
	MaxSessionsPerHour        int  `yaml:"max_sessions_per_hour"`
	MaxSessionsPerDay         int  `yaml:"max_sessions_per_day"`
	MaxRunningPerUser         int  `yaml:"max_running_per_user"`
	ScenarioAccessLimiting    bool `yaml:"scenario_access_limiting"`
	MaxActiveScenariosPerUser int  `yaml:"max_active_scenarios_per_user"`
	MaxConcurrentPerUser      int  `yaml:"max_concurrent_per_user"`
	MaxConcurrentGlobal       int  `yaml:"max_concurrent_global"`
	MaxConcurrentPerScenario  int  `yaml:"max_concurrent_per_scenario"`
	LivenessCacheSeconds      int  `yaml:"liveness_cache_seconds"`
	StartupGraceMinutes       int  `yaml:"startup_grace_minutes"`
}

// BudgetConfig holds spend limits and the emergency shutdown grace period
type BudgetConfig struct {
	DailyLimit              float64 `yaml:"daily_limit"`
	MonthlyLimit            float64 `yaml:"monthly_limit"`
	SoftLimitPercent        float64 `yaml:"soft_limit_percent"`
	WarningThresholdPercent float64 `yaml:"warning_threshold_percent"`
	GracePeriodMinutes      int     `yaml:"grace_period_minutes"`
	CheckIntervalMinutes    int     `yaml:"check_interval_minutes"`
}

// TimeoutConfig holds session TTL bounds, sweep cadence and polling settings
type TimeoutConfig struct {
	DefaultTTLMinutes           int `yaml:"default_ttl_minutes"`
	MinTTLMinutes               int `yaml:"min_ttl_minutes"`
	MaxTTLMinutes               int `yaml:"max_ttl_minutes"`
	IdlePracticeMinutes         int `yaml:"idle_practice_minutes"`
	IdleEventMinutes            int `yaml:"idle_event_minutes"`
	SweepIntervalSeconds        int `yaml:"sweep_interval_seconds"`
	TaskPollIntervalSeconds     int `yaml:"task_poll_interval_seconds"`
	TaskPollAttempts            int `yaml:"task_poll_attempts"`
	TeardownPollIntervalSeconds int `yaml:"teardown_poll_interval_seconds"`
	TeardownPollAttempts        int `yaml:"teardown_poll_attempts"`
	ProvisionTimeoutSeconds     int `yaml:"provision_timeout_seconds"`
}

// JobsConfig holds worker pool settings
type JobsConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	Concurrency         int `yaml:"concurrency"`
	MaxAttempts         int `yaml:"max_attempts"`
	RetentionDays       int `yaml:"retention_days"`
}

// AuthConfig holds the signing key for session access tokens
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// NotifyConfig holds notification sink configuration
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Channels   []string `yaml:"channels"`
}

// MetricsConfig holds metrics collector settings
type MetricsConfig struct {
	Enabled                   bool `yaml:"enabled"`
	CollectionIntervalSeconds int  `yaml:"collection_interval_seconds"`
}

// SubmissionConfig holds submission pipeline settings
type SubmissionConfig struct {
	AllowedRegistries []string `yaml:"allowed_registries"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := Default()

	// Load from file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	overrideFromEnv(cfg)

	// Validate configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with default values
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(cfg *Config) {
	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.LogLevel = "info"

	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "./labrange.db"

	cfg.Kubernetes.NamespacePrefix = "lab-"
	cfg.Kubernetes.RuntimeClass = "gvisor"

	// Fargate-like list prices
	cfg.Pricing.VCPUHour = 0.04048
	cfg.Pricing.MemoryGBHour = 0.004445

	cfg.Limits.MaxTotalSessions = 200
	cfg.Limits.MaxSessionsPerHour = 10
	cfg.Limits.MaxSessionsPerDay = 30
	cfg.Limits.MaxRunningPerUser = 3
	cfg.Limits.MaxActiveScenariosPerUser = 2
	cfg.Limits.MaxConcurrentPerUser = 3
	cfg.Limits.MaxConcurrentGlobal = 200
	cfg.Limits.MaxConcurrentPerScenario = 50
	cfg.Limits.LivenessCacheSeconds = 30
	cfg.Limits.StartupGraceMinutes = 10

	cfg.Budget.DailyLimit = 50
	cfg.Budget.MonthlyLimit = 1000
	cfg.Budget.SoftLimitPercent = 80
	cfg.Budget.WarningThresholdPercent = 90
	cfg.Budget.GracePeriodMinutes = 30
	cfg.Budget.CheckIntervalMinutes = 30

	cfg.Timeouts.DefaultTTLMinutes = 60
	cfg.Timeouts.MinTTLMinutes = 15
	cfg.Timeouts.MaxTTLMinutes = 480
	cfg.Timeouts.IdlePracticeMinutes = 30
	cfg.Timeouts.IdleEventMinutes = 15
	cfg.Timeouts.SweepIntervalSeconds = 60
	cfg.Timeouts.TaskPollIntervalSeconds = 10
	cfg.Timeouts.TaskPollAttempts = 30
	cfg.Timeouts.TeardownPollIntervalSeconds = 10
	cfg.Timeouts.TeardownPollAttempts = 30
	cfg.Timeouts.ProvisionTimeoutSeconds = 300

	cfg.Jobs.PollIntervalSeconds = 5
	cfg.Jobs.Concurrency = 3
	cfg.Jobs.MaxAttempts = 3
	cfg.Jobs.RetentionDays = 7

	cfg.Metrics.Enabled = true
	cfg.Metrics.CollectionIntervalSeconds = 30
}

// overrideFromEnv overrides config with environment variables
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("LABRANGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LABRANGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LABRANGE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("LABRANGE_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("LABRANGE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LABRANGE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
		// A DSN without an explicit driver means postgres, as before
		if os.Getenv("LABRANGE_DB_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("LABRANGE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LABRANGE_KUBECONFIG"); v != "" {
		cfg.Kubernetes.Kubeconfig = v
	}
	if v := os.Getenv("LABRANGE_NAMESPACE_PREFIX"); v != "" {
		cfg.Kubernetes.NamespacePrefix = v
	}
	if v := os.Getenv("LABRANGE_RUNTIME_CLASS"); v != "" {
		cfg.Kubernetes.RuntimeClass = v
	}
	if v := os.Getenv("LABRANGE_INFRA_SUBNETS"); v != "" {
		cfg.Network.InfraSubnets = splitList(v)
	}
	if v := os.Getenv("LABRANGE_INFRA_SECURITY_GROUPS"); v != "" {
		cfg.Network.InfraSecurityGroups = splitList(v)
	}
	if v := os.Getenv("LABRANGE_VCPU_HOUR_PRICE"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pricing.VCPUHour = val
		}
	}
	if v := os.Getenv("LABRANGE_MEMORY_GB_HOUR_PRICE"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pricing.MemoryGBHour = val
		}
	}
	if v := os.Getenv("LABRANGE_MAINTENANCE_MODE"); v != "" {
		cfg.Limits.MaintenanceMode = v == "true"
	}
	if v := os.Getenv("LABRANGE_MAX_TOTAL_SESSIONS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxTotalSessions = val
		}
	}
	if v := os.Getenv("LABRANGE_SCENARIO_ACCESS_LIMITING"); v != "" {
		cfg.Limits.ScenarioAccessLimiting = v == "true"
	}
	if v := os.Getenv("LABRANGE_DAILY_BUDGET"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.DailyLimit = val
		}
	}
	if v := os.Getenv("LABRANGE_MONTHLY_BUDGET"); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.MonthlyLimit = val
		}
	}
	if v := os.Getenv("LABRANGE_BUDGET_GRACE_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Budget.GracePeriodMinutes = val
		}
	}
	if v := os.Getenv("LABRANGE_DEFAULT_TTL_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.DefaultTTLMinutes = val
		}
	}
	if v := os.Getenv("LABRANGE_IDLE_PRACTICE_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.IdlePracticeMinutes = val
		}
	}
	if v := os.Getenv("LABRANGE_IDLE_EVENT_MINUTES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.IdleEventMinutes = val
		}
	}
	if v := os.Getenv("LABRANGE_JOB_CONCURRENCY"); v != "" {
		if val, err := strconv.Atoi(v); err == nil && val > 0 {
			cfg.Jobs.Concurrency = val
		}
	}
	if v := os.Getenv("LABRANGE_TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("LABRANGE_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("LABRANGE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v != "false"
	}
	if v := os.Getenv("LABRANGE_ALLOWED_REGISTRIES"); v != "" {
		cfg.Submission.AllowedRegistries = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}

	if cfg.Kubernetes.NamespacePrefix == "" {
		return fmt.Errorf("namespace prefix cannot be empty")
	}

	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("token secret is required")
	}

	if cfg.Pricing.VCPUHour < 0 || cfg.Pricing.MemoryGBHour < 0 {
		return fmt.Errorf("prices cannot be negative")
	}

	if cfg.Timeouts.MinTTLMinutes <= 0 || cfg.Timeouts.MaxTTLMinutes < cfg.Timeouts.MinTTLMinutes {
		return fmt.Errorf("invalid ttl range: %d-%d minutes", cfg.Timeouts.MinTTLMinutes, cfg.Timeouts.MaxTTLMinutes)
	}

	if cfg.Timeouts.DefaultTTLMinutes < cfg.Timeouts.MinTTLMinutes || cfg.Timeouts.DefaultTTLMinutes > cfg.Timeouts.MaxTTLMinutes {
		return fmt.Errorf("default ttl %d outside allowed range", cfg.Timeouts.DefaultTTLMinutes)
	}

	if cfg.Budget.SoftLimitPercent <= 0 || cfg.Budget.SoftLimitPercent > 100 {
		return fmt.Errorf("soft limit percent must be in (0, 100]")
	}

	if cfg.Jobs.Concurrency < 1 {
		return fmt.Errorf("job concurrency must be at least 1")
	}

	if cfg.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("job max attempts must be at least 1")
	}

	return nil
}

// Duration helpers used by the components that consume these settings

// SweepInterval returns the timeout sweep cadence
func (t TimeoutConfig) SweepInterval() time.Duration {
	return seconds(t.SweepIntervalSeconds, time.Minute)
}

// TaskPollInterval returns the interval between task status polls during startup
func (t TimeoutConfig) TaskPollInterval() time.Duration {
	return seconds(t.TaskPollIntervalSeconds, 10*time.Second)
}

// TeardownPollInterval returns the interval between polls during teardown
func (t TimeoutConfig) TeardownPollInterval() time.Duration {
	return seconds(t.TeardownPollIntervalSeconds, 10*time.Second)
}

// ProvisionTimeout returns the overall deadline for topology provisioning
func (t TimeoutConfig) ProvisionTimeout() time.Duration {
	return seconds(t.ProvisionTimeoutSeconds, 5*time.Minute)
}

// PollInterval returns the worker pool poll interval
func (j JobsConfig) PollInterval() time.Duration {
	return seconds(j.PollIntervalSeconds, 5*time.Second)
}

// Retention returns how long finished jobs are kept
func (j JobsConfig) Retention() time.Duration {
	days := j.RetentionDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckInterval returns the budget monitor cadence
func (b BudgetConfig) CheckInterval() time.Duration {
	if b.CheckIntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(b.CheckIntervalMinutes) * time.Minute
}

// GracePeriod returns the delay between a monthly breach and emergency shutdown
func (b BudgetConfig) GracePeriod() time.Duration {
	return time.Duration(b.GracePeriodMinutes) * time.Minute
}

func seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}
