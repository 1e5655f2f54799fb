package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Storage
	StorageType string `yaml:"storage_type"` // "sqlite", "postgres" or "memory"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`

	// API Server
	APIPort string `yaml:"api_port"`
	APIHost string `yaml:"api_host"`

	// CLI
	APIEndpoint string `yaml:"api_endpoint"`

	Log    LogConfig    `yaml:"log"`
	GitLab GitLabConfig `yaml:"gitlab"`
	Poller PollerConfig `yaml:"poller"`
}

// LogConfig selects log destination and verbosity
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// GitLabConfig tunes the remote client
type GitLabConfig struct {
	RequestTimeout       time.Duration `yaml:"-"`
	RawRequestTimeout    string        `yaml:"request_timeout"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
	Burst                int           `yaml:"burst"`
	RateLimitDefaultWait time.Duration `yaml:"-"`
	RawDefaultWait       string        `yaml:"rate_limit_default_wait"`
	RateLimitMaxWait     time.Duration `yaml:"-"`
	RawMaxWait           string        `yaml:"rate_limit_max_wait"`
}

// PollerConfig tunes the refresh cycle
type PollerConfig struct {
	ActivePipelineMaxAge    time.Duration `yaml:"-"`
	RawActivePipelineMaxAge string        `yaml:"active_pipeline_max_age"`
}

// Load reads .env if present, then the optional YAML file at path, then
// environment variables, which take precedence over both
func Load(path string) (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"STORAGE_TYPE", &c.StorageType},
		{"SQLITE_PATH", &c.SQLitePath},
		{"POSTGRES_URL", &c.PostgresURL},
		{"API_PORT", &c.APIPort},
		{"API_HOST", &c.APIHost},
		{"API_ENDPOINT", &c.APIEndpoint},
		{"LOG_FILE", &c.Log.File},
		{"LOG_LEVEL", &c.Log.Level},
		{"REQUEST_TIMEOUT", &c.GitLab.RawRequestTimeout},
		{"RATE_LIMIT_DEFAULT_WAIT", &c.GitLab.RawDefaultWait},
		{"RATE_LIMIT_MAX_WAIT", &c.GitLab.RawMaxWait},
		{"ACTIVE_PIPELINE_MAX_AGE", &c.Poller.RawActivePipelineMaxAge},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}

	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Field: "REQUESTS_PER_SECOND", Message: fmt.Sprintf("invalid number %q", v)}
		}
		c.GitLab.RequestsPerSecond = rps
	}
	return nil
}

func parseDuration(field, raw, fallback string) (time.Duration, error) {
	if raw == "" {
		raw = fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigError{Field: field, Message: fmt.Sprintf("invalid duration %q", raw)}
	}
	return d, nil
}

func (c *Config) setDefaults() error {
	if c.StorageType == "" {
		c.StorageType = "sqlite"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "./monitor.db"
	}
	if c.APIPort == "" {
		c.APIPort = "8080"
	}
	if c.APIHost == "" {
		c.APIHost = "localhost"
	}
	if c.APIEndpoint == "" {
		c.APIEndpoint = "http://localhost:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.GitLab.RequestsPerSecond == 0 {
		c.GitLab.RequestsPerSecond = 10
	}
	if c.GitLab.Burst == 0 {
		c.GitLab.Burst = 5
	}

	var err error
	if c.GitLab.RequestTimeout, err = parseDuration("REQUEST_TIMEOUT", c.GitLab.RawRequestTimeout, "30s"); err != nil {
		return err
	}
	if c.GitLab.RateLimitDefaultWait, err = parseDuration("RATE_LIMIT_DEFAULT_WAIT", c.GitLab.RawDefaultWait, "60s"); err != nil {
		return err
	}
	if c.GitLab.RateLimitMaxWait, err = parseDuration("RATE_LIMIT_MAX_WAIT", c.GitLab.RawMaxWait, "5m"); err != nil {
		return err
	}
	if c.Poller.ActivePipelineMaxAge, err = parseDuration("ACTIVE_PIPELINE_MAX_AGE", c.Poller.RawActivePipelineMaxAge, "168h"); err != nil {
		return err
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.StorageType {
	case "sqlite", "postgres", "memory":
	default:
		return &ConfigError{Field: "STORAGE_TYPE", Message: "must be 'sqlite', 'postgres' or 'memory'"}
	}
	if c.StorageType == "postgres" && c.PostgresURL == "" {
		return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORAGE_TYPE is 'postgres'"}
	}
	if c.GitLab.RequestTimeout <= 0 {
		return &ConfigError{Field: "REQUEST_TIMEOUT", Message: "must be positive"}
	}
	if c.GitLab.RequestsPerSecond < 0 {
		return &ConfigError{Field: "REQUESTS_PER_SECOND", Message: "must not be negative"}
	}
	if c.GitLab.RateLimitDefaultWait <= 0 {
		return &ConfigError{Field: "RATE_LIMIT_DEFAULT_WAIT", Message: "must be positive"}
	}
	if c.GitLab.RateLimitMaxWait < c.GitLab.RateLimitDefaultWait {
		return &ConfigError{Field: "RATE_LIMIT_MAX_WAIT", Message: "must not be shorter than RATE_LIMIT_DEFAULT_WAIT"}
	}
	if c.Poller.ActivePipelineMaxAge <= 0 {
		return &ConfigError{Field: "ACTIVE_PIPELINE_MAX_AGE", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// IsConfigError reports whether err is a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
