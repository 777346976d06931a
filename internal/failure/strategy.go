package failure

import "time"

// FallbackAction is the non-retry remediation recommended to the caller.
// This layer only decides; it never performs the fallback itself.
type FallbackAction string

const (
	UseLegacyPath        FallbackAction = "use_legacy_path"
	TryAlternativePlugin FallbackAction = "try_alternative_plugin"
	QueueForLater        FallbackAction = "queue_for_later"
	AbortOperation       FallbackAction = "abort_operation"
)

// RecoveryProcedure names the operator-side remediation for a failure kind.
type RecoveryProcedure string

const (
	RestartPlugin      RecoveryProcedure = "restart_plugin"
	ReconnectNetwork   RecoveryProcedure = "reconnect_network"
	ClearCache         RecoveryProcedure = "clear_cache"
	ManualIntervention RecoveryProcedure = "manual_intervention"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// RetryPolicy describes the per-kind retry budget. Delays is a per-attempt
// delay list; attempts past the end reuse the last entry.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
	Multiplier  float64
	Jitter      bool
}

// Strategy is one row of the fixed strategy table.
type Strategy struct {
	Retry    RetryPolicy
	Fallback FallbackAction
	Alert    AlertLevel
	Recovery RecoveryProcedure
}

// strategies is the fixed, total strategy table. Bindings of note:
//   - ConfigurationError and InsufficientFunds are never retried (caller
//     mistakes, and retrying them would mask bugs or repeat doomed operations).
//   - NetworkError gets the full backoff ladder and queues for later.
//   - PluginFailure prefers routing to an alternative plugin over retrying.
var strategies = map[Kind]Strategy{
	KindSAKUnavailable: {
		Retry:    RetryPolicy{MaxAttempts: 3, Delays: delays("2s", "5s", "10s"), Multiplier: 2, Jitter: true},
		Fallback: UseLegacyPath,
		Alert:    AlertCritical,
		Recovery: RestartPlugin,
	},
	KindPluginFailure: {
		Retry:    RetryPolicy{MaxAttempts: 2, Delays: delays("1s", "3s"), Multiplier: 2, Jitter: true},
		Fallback: TryAlternativePlugin,
		Alert:    AlertWarning,
		Recovery: RestartPlugin,
	},
	KindTransactionFailure: {
		Retry:    RetryPolicy{MaxAttempts: 3, Delays: delays("1s", "2s", "4s"), Multiplier: 2, Jitter: true},
		Fallback: AbortOperation,
		Alert:    AlertWarning,
		Recovery: ClearCache,
	},
	KindNetworkError: {
		Retry:    RetryPolicy{MaxAttempts: 5, Delays: delays("1s", "2s", "4s", "8s", "16s"), Multiplier: 2, Jitter: true},
		Fallback: QueueForLater,
		Alert:    AlertWarning,
		Recovery: ReconnectNetwork,
	},
	KindTimeoutError: {
		Retry:    RetryPolicy{MaxAttempts: 3, Delays: delays("2s", "4s", "8s"), Multiplier: 2, Jitter: true},
		Fallback: QueueForLater,
		Alert:    AlertWarning,
		Recovery: ReconnectNetwork,
	},
	KindInsufficientFunds: {
		Retry:    RetryPolicy{MaxAttempts: 1},
		Fallback: AbortOperation,
		Alert:    AlertCritical,
		Recovery: ManualIntervention,
	},
	KindSlippageExceeded: {
		Retry:    RetryPolicy{MaxAttempts: 2, Delays: delays("500ms", "1s"), Multiplier: 2, Jitter: true},
		Fallback: TryAlternativePlugin,
		Alert:    AlertWarning,
		Recovery: ClearCache,
	},
	KindConfigurationError: {
		Retry:    RetryPolicy{MaxAttempts: 1},
		Fallback: AbortOperation,
		Alert:    AlertCritical,
		Recovery: ManualIntervention,
	},
	KindMarketClosed: {
		Retry:    RetryPolicy{MaxAttempts: 1},
		Fallback: QueueForLater,
		Alert:    AlertInfo,
		Recovery: ManualIntervention,
	},
}

// StrategyFor returns the table row for kind. Unknown kinds fall back to the
// TransactionFailure row so lookups are total.
func StrategyFor(kind Kind) Strategy {
	if s, ok := strategies[kind]; ok {
		return s
	}
	return strategies[KindTransactionFailure]
}

func delays(ss ...string) []time.Duration {
	out := make([]time.Duration, 0, len(ss))
	for _, s := range ss {
		d, err := time.ParseDuration(s)
		if err != nil {
			panic("failure: bad delay literal " + s)
		}
		out = append(out, d)
	}
	return out
}
