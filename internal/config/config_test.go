package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
enabled: true
core:
  rpc_url: https://api.devnet.solana.com
  network: devnet
  commitment: confirmed
plugins:
  token:
    enabled: true
    priority: 10
  jupiter:
    enabled: true
    priority: 20
  defi:
    enabled: false
    priority: 5
integration:
  retry_attempts: 5
  retry_delay: 2s
  timeout: 10s
monitoring:
  metrics_enabled: true
  health_check_interval: 15s
  alert_thresholds:
    error_rate: 0.1
    response_time: 2s
    memory_usage_mb: 512
error_handling:
  circuit_breaker:
    failure_threshold: 3
    open_duration: 45s
    half_open_max_calls: 2
  exponential_backoff:
    initial_delay: 250ms
    max_delay: 8s
    multiplier: 2
    jitter: 0.2
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
  alerts:
    enabled: false
    min_level: ""
    rate_per_sec: 0
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !cfg.Enabled || cfg.Core.Network != "devnet" || cfg.Core.Commitment != "confirmed" {
		t.Fatalf("core = %+v", cfg.Core)
	}
	if len(cfg.Plugins) != 3 || !cfg.Plugins["jupiter"].Enabled || cfg.Plugins["jupiter"].Priority != 20 {
		t.Fatalf("plugins = %+v", cfg.Plugins)
	}
	if cfg.Plugins["defi"].Enabled {
		t.Fatal("defi must be disabled")
	}

	bs := cfg.BreakerSettings()
	if bs.FailureThreshold != 3 || bs.OpenDuration != 45*time.Second || bs.HalfOpenMaxCalls != 2 {
		t.Fatalf("breaker settings = %+v", bs)
	}
	eb := cfg.BackoffSettings()
	if eb.InitialDelay != 250*time.Millisecond || eb.MaxDelay != 8*time.Second || eb.Jitter != 0.2 {
		t.Fatalf("backoff settings = %+v", eb)
	}
	if cfg.RetryAttempts() != 5 || cfg.OperationTimeout() != 10*time.Second {
		t.Fatalf("integration views = %d, %v", cfg.RetryAttempts(), cfg.OperationTimeout())
	}
	if cfg.HealthCheckInterval() != 15*time.Second {
		t.Fatalf("health interval = %v", cfg.HealthCheckInterval())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(sampleYAML, "priority: 10", "priority: 10\n    autoload: true", 1)
	m := NewManager(writeConfig(t, "config.yaml", bad))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown plugin field")
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config

	bs := cfg.BreakerSettings()
	if bs.FailureThreshold != 5 || bs.OpenDuration != 30*time.Second || bs.HalfOpenMaxCalls != 2 {
		t.Fatalf("breaker defaults = %+v", bs)
	}
	eb := cfg.BackoffSettings()
	if eb.InitialDelay != 500*time.Millisecond || eb.MaxDelay != 16*time.Second ||
		eb.Multiplier != 2 || eb.Jitter != 0.25 {
		t.Fatalf("backoff defaults = %+v", eb)
	}
	if cfg.RetryAttempts() != 3 || cfg.OperationTimeout() != 30*time.Second {
		t.Fatalf("integration defaults = %d, %v", cfg.RetryAttempts(), cfg.OperationTimeout())
	}
	if cfg.HealthCheckInterval() != 30*time.Second {
		t.Fatalf("health default = %v", cfg.HealthCheckInterval())
	}

	cfg.Monitoring.HealthCheckInterval = "0s"
	if cfg.HealthCheckInterval() != 0 {
		t.Fatal(`"0s" must disable the periodic check`)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Enabled: true,
			Core: CoreConfig{
				RPCURL:     "https://api.mainnet-beta.solana.com",
				Network:    "mainnet",
				Commitment: "finalized",
			},
		}
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc url", func(c *Config) { c.Core.RPCURL = "" }},
		{"relative rpc url", func(c *Config) { c.Core.RPCURL = "api.devnet.solana.com" }},
		{"bad scheme", func(c *Config) { c.Core.RPCURL = "ws://api.devnet.solana.com" }},
		{"bad network", func(c *Config) { c.Core.Network = "localnet" }},
		{"bad commitment", func(c *Config) { c.Core.Commitment = "final" }},
		{"bad duration", func(c *Config) { c.Integration.Timeout = "30 seconds" }},
		{"error rate out of range", func(c *Config) { c.Monitoring.AlertThresholds.ErrorRate = 1.5 }},
		{"jitter out of range", func(c *Config) { c.ErrorHandling.ExponentialBackoff.Jitter = 2 }},
		{"multiplier below one", func(c *Config) { c.ErrorHandling.ExponentialBackoff.Multiplier = 0.5 }},
		{"unknown storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := Validate(&Config{}); !errors.Is(err, ErrMissingRPCURL) {
		t.Fatalf("empty config err = %v, want ErrMissingRPCURL", err)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed snapshot")
	}
}
