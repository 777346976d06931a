// Package failure implements the error taxonomy, retry/fallback strategy
// table, and the decision handler that composes them with the circuit-breaker
// registry and the deferred-operation queues.
//
// Classification and decisions never return errors themselves: every failure
// maps to exactly one Kind and one Decision value.
package failure

import (
	"context"
	"errors"
	"strings"
)

// Kind is the fixed failure taxonomy. Every error classifies to exactly one
// Kind; anything unrecognized is a TransactionFailure.
type Kind string

const (
	KindSAKUnavailable     Kind = "sak_unavailable"
	KindPluginFailure      Kind = "plugin_failure"
	KindTransactionFailure Kind = "transaction_failure"
	KindNetworkError       Kind = "network_error"
	KindTimeoutError       Kind = "timeout_error"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindSlippageExceeded   Kind = "slippage_exceeded"
	KindConfigurationError Kind = "configuration_error"
	KindMarketClosed       Kind = "market_closed"
)

// Sentinels that classify without substring matching.
var (
	ErrSAKUnavailable = errors.New("agent kit unavailable")
	ErrMarketClosed   = errors.New("market closed")
)

// classifyRule maps message substrings to a Kind. Order matters: first match
// wins, so the more specific patterns come first.
var classifyRules = []struct {
	substrs []string
	kind    Kind
}{
	{[]string{"agent kit", "sak"}, KindSAKUnavailable},
	{[]string{"market closed", "market is closed"}, KindMarketClosed},
	{[]string{"network", "connection"}, KindNetworkError},
	{[]string{"timeout", "timed out", "deadline"}, KindTimeoutError},
	{[]string{"insufficient", "balance"}, KindInsufficientFunds},
	{[]string{"slippage"}, KindSlippageExceeded},
	{[]string{"plugin", "module"}, KindPluginFailure},
	{[]string{"config", "parameter"}, KindConfigurationError},
}

// Classify maps err to its Kind.
//
// This is intentionally coarse and deterministic: a fixed substring lookup
// over the lowercased message, no heuristics. Context timeouts classify as
// TimeoutError so they feed the same strategy table as downstream timeouts.
func Classify(err error) Kind {
	if err == nil {
		return KindTransactionFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeoutError
	}
	if errors.Is(err, ErrSAKUnavailable) {
		return KindSAKUnavailable
	}
	if errors.Is(err, ErrMarketClosed) {
		return KindMarketClosed
	}

	msg := strings.ToLower(err.Error())
	for _, r := range classifyRules {
		for _, sub := range r.substrs {
			if strings.Contains(msg, sub) {
				return r.kind
			}
		}
	}
	return KindTransactionFailure
}

// Retryable reports whether kind may ever be retried. ConfigurationError and
// InsufficientFunds represent caller mistakes, not transient conditions, and
// are never retried regardless of remaining attempts.
func (k Kind) Retryable() bool {
	switch k {
	case KindConfigurationError, KindInsufficientFunds:
		return false
	default:
		return true
	}
}
