package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds every runtime knob. Values come from an optional YAML
// file first, then environment variables override.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HealthAddr string `yaml:"health_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	InitialClock time.Duration `yaml:"initial_clock"`
	ClockTick    time.Duration `yaml:"clock_tick"`
	GracePeriod  time.Duration `yaml:"grace_period"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`

	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

// Load builds the config. Defaults, then CONFIG_FILE (yaml, optional), then
// environment. REDIS_URL is required; DATABASE_URL is optional and its
// absence selects the in-memory durable tier.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":8080",
		HealthAddr:     ":8081",
		InitialClock:   10 * time.Minute,
		ClockTick:      time.Second,
		GracePeriod:    30 * time.Second,
		SweepInterval:  10 * time.Second,
		SweepBatch:     50,
		ReaperInterval: 30 * time.Second,
	}

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "config.yaml"
	}
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("HEALTH_ADDR")); v != "" {
		cfg.HealthAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if d, ok := envDuration("INITIAL_CLOCK"); ok {
		cfg.InitialClock = d
	}
	if d, ok := envDuration("CLOCK_TICK"); ok {
		cfg.ClockTick = d
	}
	if d, ok := envDuration("GRACE_PERIOD"); ok {
		cfg.GracePeriod = d
	}
	if d, ok := envDuration("SWEEP_INTERVAL"); ok {
		cfg.SweepInterval = d
	}
	if v := strings.TrimSpace(os.Getenv("SWEEP_BATCH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepBatch = n
		}
	}
	if d, ok := envDuration("REAPER_INTERVAL"); ok {
		cfg.ReaperInterval = d
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.InitialClock <= 0 || cfg.ClockTick <= 0 || cfg.GracePeriod <= 0 {
		return nil, errors.New("clock settings must be positive")
	}
	return cfg, nil
}

// envDuration parses either a Go duration ("10m") or bare seconds ("600").
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
