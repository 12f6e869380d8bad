package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ServerConfig holds the control API listener settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the stats publisher
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES transport credentials
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// DispatchConfig holds the engine tunables. The health-check multipliers and
// clamps are policy constants, not correctness requirements; they are exposed
// here so operators can tune them per deployment.
type DispatchConfig struct {
	// Batch writer
	FlushThreshold int           `yaml:"flush_threshold"`
	FlushInterval  time.Duration `yaml:"flush_interval"`

	// Campaign queue
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
	WaitSliceCap        time.Duration `yaml:"wait_slice_cap"`
	AddTasksCooldown    time.Duration `yaml:"add_tasks_cooldown"`
	CompletionCooldown  time.Duration `yaml:"completion_cooldown"`
	EnumerateBatchSize  int           `yaml:"enumerate_batch_size"`

	// Health-check escalation (multiples of the max send interval)
	RefreshMultiplier      int           `yaml:"refresh_multiplier"`
	ForceMultiplier        int           `yaml:"force_multiplier"`
	RestartMultiplier      int           `yaml:"restart_multiplier"`
	HealthCheckMinInterval time.Duration `yaml:"health_check_min_interval"`
	HealthCheckMaxInterval time.Duration `yaml:"health_check_max_interval"`

	// Recovery sweeper
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// Stats publisher
	StatsInterval time.Duration `yaml:"stats_interval"`
	StatsTTL      time.Duration `yaml:"stats_ttl"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8085,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Enabled: false,
		},
		SES: SESConfig{
			Region: "us-east-1",
		},
		Dispatch: DispatchConfig{
			FlushThreshold:         50,
			FlushInterval:          5 * time.Second,
			LeaseTTL:               2 * time.Minute,
			WaitSliceCap:           60 * time.Second,
			AddTasksCooldown:       5 * time.Second,
			CompletionCooldown:     30 * time.Second,
			EnumerateBatchSize:     500,
			RefreshMultiplier:      3,
			ForceMultiplier:        5,
			RestartMultiplier:      8,
			HealthCheckMinInterval: 30 * time.Second,
			HealthCheckMaxInterval: 120 * time.Second,
			SweepInterval:          2 * time.Minute,
			StaleThreshold:         10 * time.Minute,
			StatsInterval:          30 * time.Second,
			StatsTTL:               2 * time.Minute,
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment variable overrides. A missing file is not an error; the
// defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	// Load .env if present (development convenience)
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		c.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		c.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("DISPATCH_FLUSH_THRESHOLD"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Dispatch.FlushThreshold = n
		}
	}
	if v := os.Getenv("DISPATCH_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Dispatch.FlushInterval = d
		}
	}
}

func (c *Config) validate() error {
	d := &c.Dispatch
	if d.FlushThreshold <= 0 {
		return fmt.Errorf("dispatch.flush_threshold must be positive")
	}
	if d.RefreshMultiplier <= 0 || d.ForceMultiplier <= d.RefreshMultiplier || d.RestartMultiplier <= d.ForceMultiplier {
		return fmt.Errorf("dispatch health multipliers must be increasing and positive")
	}
	if d.HealthCheckMinInterval <= 0 || d.HealthCheckMaxInterval < d.HealthCheckMinInterval {
		return fmt.Errorf("dispatch health check interval clamps are invalid")
	}
	return nil
}

// ListenAddr returns the host:port the control API binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
