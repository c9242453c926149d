package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all marketvane configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP API server
	Server ServerConfig `yaml:"server"`

	// Shared relational store
	Database DatabaseConfig `yaml:"database"`

	// External providers
	Providers ProvidersConfig `yaml:"providers"`

	// Per-phase tuning
	Pipeline PipelineSettings `yaml:"pipeline"`

	// Job queue
	Queue QueueConfig `yaml:"queue"`

	// Circuit breakers
	Breakers BreakersConfig `yaml:"breakers"`

	// Scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP/websocket surface.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	AdminToken      string `yaml:"admin_token"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Workers      int    `yaml:"workers"`
	PollInterval string `yaml:"poll_interval"`
	LockTimeout  string `yaml:"lock_timeout"`
	MaxAttempts  int    `yaml:"max_attempts"`
	BaseDelay    string `yaml:"base_delay"`
	MaxDelay     string `yaml:"max_delay"`
}

// BreakerConfig is the threshold set for one service's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	Timeout          string `yaml:"timeout"`
	HalfOpenRequests int    `yaml:"half_open_requests"`
}

// BreakersConfig carries the default thresholds plus per-service overrides.
type BreakersConfig struct {
	Default  BreakerConfig            `yaml:"default"`
	Services map[string]BreakerConfig `yaml:"services"`
}

// ForService returns the effective breaker config for a service name.
func (b BreakersConfig) ForService(name string) BreakerConfig {
	cfg := b.Default
	override, ok := b.Services[name]
	if !ok {
		return cfg
	}
	if override.FailureThreshold > 0 {
		cfg.FailureThreshold = override.FailureThreshold
	}
	if override.SuccessThreshold > 0 {
		cfg.SuccessThreshold = override.SuccessThreshold
	}
	if override.Timeout != "" {
		cfg.Timeout = override.Timeout
	}
	if override.HalfOpenRequests > 0 {
		cfg.HalfOpenRequests = override.HalfOpenRequests
	}
	return cfg
}

// TimeoutDuration parses the breaker timeout with a 60s fallback.
func (b BreakerConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// SchedulerConfig configures scheduled pipeline runs.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CheckInterval string `yaml:"check_interval"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Dir        string          `yaml:"dir"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "marketvane",
		Version: "1.0.0",

		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "15s",
		},

		Database: DatabaseConfig{
			Path:        "data/marketvane.db",
			BusyTimeout: "5s",
		},

		Providers: DefaultProvidersConfig(),
		Pipeline:  DefaultPipelineSettings(),

		Queue: QueueConfig{
			Workers:      4,
			PollInterval: "2s",
			LockTimeout:  "5m",
			MaxAttempts:  3,
			BaseDelay:    "5s",
			MaxDelay:     "10m",
		},

		Breakers: BreakersConfig{
			Default: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          "60s",
				HalfOpenRequests: 1,
			},
			Services: map[string]BreakerConfig{
				"scale_serp": {FailureThreshold: 3, Timeout: "120s"},
				"youtube":    {FailureThreshold: 5, Timeout: "300s"},
			},
		},

		Scheduler: SchedulerConfig{
			Enabled:       false,
			CheckInterval: "1m",
		},

		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Provider API keys
	if key := os.Getenv("SCALESERP_API_KEY"); key != "" {
		c.Providers.Serp.APIKey = key
	}
	if key := os.Getenv("YOUTUBE_API_KEY"); key != "" {
		c.Providers.Video.APIKey = key
	}
	if key := os.Getenv("COGNISM_API_KEY"); key != "" {
		c.Providers.Company.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.AI.APIKey = key
		if c.Providers.AI.Provider == "" {
			c.Providers.AI.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers.AI.APIKey = key
		c.Providers.AI.Provider = "gemini"
	}

	// Operational knobs
	if v := os.Getenv("SERP_MAX_RESULTS_PER_TYPE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Providers.Serp.MaxResultsPerType = n
		}
	}
	if v := os.Getenv("DEFAULT_SCRAPER_CONCURRENT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.Scraper.Concurrency = n
		}
	}
	if v := os.Getenv("CHANNEL_COMPANY_RESOLVER_ENABLED"); v != "" {
		c.Pipeline.Video.ChannelResolverEnabled = parseBoolDefault(v, true)
	}
	if v := os.Getenv("SERP_SCHEDULER_ENABLED"); v != "" {
		c.Scheduler.Enabled = parseBoolDefault(v, false)
	}
	if url := os.Getenv("SERP_WEBHOOK_URL"); url != "" {
		c.Providers.Serp.WebhookURL = url
	}

	// Service paths
	if path := os.Getenv("MARKETVANE_DB"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("MARKETVANE_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if token := os.Getenv("MARKETVANE_ADMIN_TOKEN"); token != "" {
		c.Server.AdminToken = token
	}
}

func parseBoolDefault(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path not configured")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Providers.AI.Provider != "" {
		valid := false
		for _, p := range ValidAIProviders {
			if c.Providers.AI.Provider == p {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid AI provider: %s (valid: %v)", c.Providers.AI.Provider, ValidAIProviders)
		}
	}
	return nil
}

// GetReadTimeout returns the server read timeout as a duration.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetWriteTimeout returns the server write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.WriteTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the graceful-shutdown ceiling as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetBusyTimeout returns the sqlite busy timeout as a duration.
func (c *Config) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Database.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetQueuePollInterval returns the worker poll interval as a duration.
func (c *Config) GetQueuePollInterval() time.Duration {
	d, err := time.ParseDuration(c.Queue.PollInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetQueueLockTimeout returns the job lease timeout as a duration.
func (c *Config) GetQueueLockTimeout() time.Duration {
	d, err := time.ParseDuration(c.Queue.LockTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetQueueBaseDelay returns the retry base delay as a duration.
func (c *Config) GetQueueBaseDelay() time.Duration {
	d, err := time.ParseDuration(c.Queue.BaseDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetQueueMaxDelay returns the retry delay cap as a duration.
func (c *Config) GetQueueMaxDelay() time.Duration {
	d, err := time.ParseDuration(c.Queue.MaxDelay)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetSchedulerInterval returns the scheduler check interval as a duration.
func (c *Config) GetSchedulerInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.CheckInterval)
	if err != nil {
		return time.Minute
	}
	return d
}
