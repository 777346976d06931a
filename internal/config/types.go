package config

import (
	"bytes"
	"encoding/json"
	"time"
)

// Config is the top-level orchestrator configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Enabled gates the whole orchestration layer. When false, Initialize
	// refuses to start (useful for staged rollouts).
	Enabled bool `json:"enabled"`

	Core    CoreConfig                `json:"core"`
	Plugins map[string]PluginSettings `json:"plugins"`

	Integration   IntegrationConfig   `json:"integration"`
	Monitoring    MonitoringConfig    `json:"monitoring"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling"`

	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   *DebugConfig   `json:"debug,omitempty"`
}

// CoreConfig describes the underlying RPC connection.
type CoreConfig struct {
	RPCURL string `json:"rpc_url"`
	// Network must be one of: mainnet, devnet, testnet.
	Network string `json:"network"`
	// Commitment must be one of: processed, confirmed, finalized.
	Commitment string `json:"commitment"`
}

// PluginSettings is the per-plugin configuration entry.
//
// Priority resolves capability conflicts: when two loaded plugins declare the
// same capability, the higher-priority one becomes primary for routed calls.
type PluginSettings struct {
	Enabled  bool `json:"enabled"`
	Priority int  `json:"priority"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin entries are caught
// early during config reload.
func (p *PluginSettings) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled  bool `json:"enabled"`
		Priority int  `json:"priority"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginSettings{Enabled: t.Enabled, Priority: t.Priority}
	return nil
}

// IntegrationConfig holds cross-plugin execution settings.
//
// Defaults (when fields are omitted/zero):
//   - retry_attempts: 3
//   - retry_delay: "1s"
//   - timeout: "30s"
//   - batch_size: 10
//   - queue_drain_interval: "" (deferred queue is drained only on demand)
type IntegrationConfig struct {
	RetryAttempts int    `json:"retry_attempts,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`

	// QueueDrainInterval enables a periodic drain of the deferred-operation
	// queues. Empty keeps draining strictly caller-driven.
	QueueDrainInterval string `json:"queue_drain_interval,omitempty"`
}

// MonitoringConfig controls the periodic health check and metrics export.
type MonitoringConfig struct {
	MetricsEnabled bool   `json:"metrics_enabled"`
	LoggingLevel   string `json:"logging_level,omitempty"`
	// HealthCheckInterval defaults to "30s". "0s" disables the periodic check.
	HealthCheckInterval string          `json:"health_check_interval,omitempty"`
	AlertThresholds     AlertThresholds `json:"alert_thresholds,omitempty"`
}

// AlertThresholds are observability signals only: a breach logs a warning and
// publishes an alert event, it never halts operation.
type AlertThresholds struct {
	// ErrorRate is a fraction in [0,1]; 0 disables the check.
	ErrorRate float64 `json:"error_rate,omitempty"`
	// ResponseTime is a Go duration string; "0s" disables the check.
	ResponseTime string `json:"response_time,omitempty"`
	// MemoryUsageMB compares against the process heap; 0 disables the check.
	MemoryUsageMB int `json:"memory_usage_mb,omitempty"`
}

type ErrorHandlingConfig struct {
	CircuitBreaker     CircuitBreakerConfig `json:"circuit_breaker"`
	ExponentialBackoff BackoffConfig        `json:"exponential_backoff"`
}

// CircuitBreakerConfig tunes the per-operation-key breakers.
//
// Defaults: failure_threshold 5, open_duration "30s", half_open_max_calls 2.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	OpenDuration     string `json:"open_duration,omitempty"`
	HalfOpenMaxCalls int    `json:"half_open_max_calls,omitempty"`
}

// BackoffConfig tunes ExecuteWithRetry.
//
// Defaults: initial_delay "500ms", max_delay "16s", multiplier 2, jitter 0.25.
type BackoffConfig struct {
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the optional operation audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./agentcore_audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional diagnostics HTTP server (pprof, /healthz,
// Prometheus /metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ---- Effective (parsed) views ----

// BreakerSettings is the parsed circuit-breaker config with defaults applied.
type BreakerSettings struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenMaxCalls int
}

// BreakerSettings returns the effective breaker tuning.
func (c *Config) BreakerSettings() BreakerSettings {
	cb := c.ErrorHandling.CircuitBreaker
	s := BreakerSettings{
		FailureThreshold: cb.FailureThreshold,
		HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 2
	}
	s.OpenDuration = mustDuration(cb.OpenDuration, 30*time.Second)
	return s
}

// BackoffSettings is the parsed exponential-backoff config with defaults applied.
type BackoffSettings struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// BackoffSettings returns the effective retry backoff tuning.
func (c *Config) BackoffSettings() BackoffSettings {
	eb := c.ErrorHandling.ExponentialBackoff
	s := BackoffSettings{
		InitialDelay: mustDuration(eb.InitialDelay, 500*time.Millisecond),
		MaxDelay:     mustDuration(eb.MaxDelay, 16*time.Second),
		Multiplier:   eb.Multiplier,
		Jitter:       eb.Jitter,
	}
	if s.Multiplier < 1 {
		s.Multiplier = 2
	}
	if s.Jitter <= 0 || s.Jitter > 1 {
		s.Jitter = 0.25
	}
	return s
}

// OperationTimeout returns the effective per-operation timeout.
func (c *Config) OperationTimeout() time.Duration {
	return mustDuration(c.Integration.Timeout, 30*time.Second)
}

// RetryAttempts returns the effective default retry budget for ExecuteWithRetry.
func (c *Config) RetryAttempts() int {
	if c.Integration.RetryAttempts <= 0 {
		return 3
	}
	return c.Integration.RetryAttempts
}

// HealthCheckInterval returns the effective health-check period (0 = disabled).
func (c *Config) HealthCheckInterval() time.Duration {
	raw := c.Monitoring.HealthCheckInterval
	if raw == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 30 * time.Second
	}
	return d
}

func mustDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
