package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.HealthAddr != ":8081" {
		t.Fatalf("default addrs wrong: %s %s", cfg.ListenAddr, cfg.HealthAddr)
	}
	if cfg.InitialClock != 10*time.Minute || cfg.ClockTick != time.Second {
		t.Fatalf("default clocks wrong: %v %v", cfg.InitialClock, cfg.ClockTick)
	}
	if cfg.SweepBatch != 50 {
		t.Fatalf("default sweep batch wrong: %d", cfg.SweepBatch)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "listen_addr: \":9000\"\ngrace_period: 45s\nsweep_batch: 10\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GRACE_PERIOD", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("file value ignored: %s", cfg.ListenAddr)
	}
	if cfg.SweepBatch != 10 {
		t.Fatalf("file sweep batch ignored: %d", cfg.SweepBatch)
	}
	if cfg.GracePeriod != 90*time.Second {
		t.Fatalf("env must override file: %v", cfg.GracePeriod)
	}
}

func TestEnvDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("INITIAL_CLOCK", "600")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InitialClock != 10*time.Minute {
		t.Fatalf("bare seconds not parsed: %v", cfg.InitialClock)
	}
}
