// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Signal    SignalConfig    `yaml:"signal"`
	Pool      PoolConfig      `yaml:"pool"`
	Mining    MiningConfig    `yaml:"mining"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the optional PostgreSQL store. Empty driver or DSN
// selects the in-memory store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// SignalConfig tunes the motion validator.
type SignalConfig struct {
	MinRate                 float64 `yaml:"min_rate"`
	MaxRate                 float64 `yaml:"max_rate"`
	MinDurationSeconds      int     `yaml:"min_duration_seconds"`
	VarianceThreshold       float64 `yaml:"variance_threshold"`
	MaxConsecutiveIdentical int     `yaml:"max_consecutive_identical"`
	AccelerationThreshold   float64 `yaml:"acceleration_threshold"`
	MiningRatio             float64 `yaml:"mining_ratio"`
}

// PoolConfig sizes the daemon port pool.
type PoolConfig struct {
	BasePort int `yaml:"base_port"`
	PoolSize int `yaml:"pool_size"`
}

// MiningConfig tunes the reward simulation.
type MiningConfig struct {
	CoinsPerMiningMinute  float64 `yaml:"coins_per_mining_minute"`
	BlockReward           float64 `yaml:"block_reward"`
	BackendTimeoutSeconds int     `yaml:"backend_timeout_seconds"`
}

// SessionsConfig tunes the orchestrator and the stale-session sweeper.
type SessionsConfig struct {
	MaxMiningMinutesPerSession int    `yaml:"max_mining_minutes_per_session"`
	StaleSessionAgeMinutes     int    `yaml:"stale_session_age_minutes"`
	SweepSchedule              string `yaml:"sweep_schedule"`
}

// RateLimitConfig configures per-client HTTP rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// Load reads config from CONFIG_PATH (default config/reward_layer.yaml) when
// the file exists, then applies environment overrides. A missing file is not
// an error; defaults apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/reward_layer.yaml"
	}

	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.Server.Port <= 0 {
		return nil, fmt.Errorf("server port must be positive, got %d", cfg.Server.Port)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v, ok := envInt("POOL_BASE_PORT"); ok {
		cfg.Pool.BasePort = v
	}
	if v, ok := envInt("POOL_SIZE"); ok {
		cfg.Pool.PoolSize = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// BackendTimeout converts the configured backend timeout.
func (c MiningConfig) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// StaleSessionAge converts the configured stale session threshold.
func (c SessionsConfig) StaleSessionAge() time.Duration {
	return time.Duration(c.StaleSessionAgeMinutes) * time.Minute
}
