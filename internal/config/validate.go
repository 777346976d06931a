package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrDisabled      = errors.New("config: orchestrator disabled")
	ErrMissingRPCURL = errors.New("config: core.rpc_url is required")
)

var validNetworks = map[string]bool{
	"mainnet": true,
	"devnet":  true,
	"testnet": true,
}

var validCommitments = map[string]bool{
	"processed": true,
	"confirmed": true,
	"finalized": true,
}

// Validate checks the static config invariants: RPC URL present and
// well-formed, enum fields in range, duration strings parseable.
//
// It does not touch the network; connectivity is Initialize's job.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}

	rpc := strings.TrimSpace(cfg.Core.RPCURL)
	if rpc == "" {
		return ErrMissingRPCURL
	}
	u, err := url.Parse(rpc)
	if err != nil {
		return fmt.Errorf("config: core.rpc_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: core.rpc_url %q must be an absolute http(s) URL", rpc)
	}

	if !validNetworks[cfg.Core.Network] {
		return fmt.Errorf("config: core.network %q (want mainnet, devnet or testnet)", cfg.Core.Network)
	}
	if !validCommitments[cfg.Core.Commitment] {
		return fmt.Errorf("config: core.commitment %q (want processed, confirmed or finalized)", cfg.Core.Commitment)
	}

	durations := []struct {
		path, raw string
	}{
		{"integration.retry_delay", cfg.Integration.RetryDelay},
		{"integration.timeout", cfg.Integration.Timeout},
		{"integration.queue_drain_interval", cfg.Integration.QueueDrainInterval},
		{"monitoring.health_check_interval", cfg.Monitoring.HealthCheckInterval},
		{"monitoring.alert_thresholds.response_time", cfg.Monitoring.AlertThresholds.ResponseTime},
		{"error_handling.circuit_breaker.open_duration", cfg.ErrorHandling.CircuitBreaker.OpenDuration},
		{"error_handling.exponential_backoff.initial_delay", cfg.ErrorHandling.ExponentialBackoff.InitialDelay},
		{"error_handling.exponential_backoff.max_delay", cfg.ErrorHandling.ExponentialBackoff.MaxDelay},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if er := cfg.Monitoring.AlertThresholds.ErrorRate; er < 0 || er > 1 {
		return fmt.Errorf("config: monitoring.alert_thresholds.error_rate %v must be within [0,1]", er)
	}
	if j := cfg.ErrorHandling.ExponentialBackoff.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("config: error_handling.exponential_backoff.jitter %v must be within [0,1]", j)
	}
	if m := cfg.ErrorHandling.ExponentialBackoff.Multiplier; m != 0 && m < 1 {
		return fmt.Errorf("config: error_handling.exponential_backoff.multiplier %v must be >= 1", m)
	}
	if cfg.ErrorHandling.CircuitBreaker.FailureThreshold < 0 {
		return errors.New("config: error_handling.circuit_breaker.failure_threshold must be >= 0")
	}

	if cfg.Storage != nil {
		switch cfg.Storage.Driver {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("config: storage.driver %q (want none, file or sqlite)", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}
