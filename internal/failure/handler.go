package failure

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"agentcore/internal/breaker"
	"agentcore/internal/config"
	"agentcore/internal/eventbus"
	logx "agentcore/pkg/logx"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
// Callers must treat this as a distinct failure mode, not a retryable error:
// route to the fallback immediately instead of burning retry budget.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CallContext identifies the failed call being decided on.
type CallContext struct {
	Operation string
	Plugin    string
	AgentID   string
	// Attempt is 1-based: the attempt that just failed.
	Attempt  int
	Priority int
}

// Key is the breaker/queue key for this call.
func (c CallContext) Key() string { return c.Operation + "_" + c.Plugin }

// Decision tells the caller what to do about a failed attempt. Exactly one of
// four outcomes applies: retry after Delay, act on Fallback, queue for later
// (Fallback == QueueForLater), or abort.
type Decision struct {
	Type        Kind              `json:"type,omitempty"`
	Retry       bool              `json:"retry"`
	Delay       time.Duration     `json:"delay,omitempty"`
	Fallback    FallbackAction    `json:"fallback,omitempty"`
	Recovery    RecoveryProcedure `json:"recovery,omitempty"`
	Alert       AlertLevel        `json:"alert,omitempty"`
	CircuitOpen bool              `json:"circuit_open,omitempty"`
}

// Handler composes classification, the strategy table, the circuit-breaker
// registry, and the deferred queues into per-failure decisions.
type Handler struct {
	log      logx.Logger
	bus      eventbus.Bus
	breakers *breaker.Registry
	queue    *DeferredQueue

	backoff     config.BackoffSettings
	maxAttempts int

	rngMu sync.Mutex
	rng   *rand.Rand
}

type HandlerOption func(*Handler)

func WithLogger(log logx.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

func WithBus(bus eventbus.Bus) HandlerOption {
	return func(h *Handler) { h.bus = bus }
}

// WithRandSource injects the jitter RNG seed (tests).
func WithRandSource(seed int64) HandlerOption {
	return func(h *Handler) { h.rng = rand.New(rand.NewSource(seed)) }
}

func NewHandler(breakers *breaker.Registry, backoff config.BackoffSettings, maxAttempts int, opts ...HandlerOption) *Handler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	h := &Handler{
		log:         logx.Nop(),
		breakers:    breakers,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(h)
	}
	h.queue = newDeferredQueue(h.log)
	return h
}

// Breakers exposes the underlying registry for diagnostics.
func (h *Handler) Breakers() *breaker.Registry { return h.breakers }

// Queue exposes the deferred-operation queues.
func (h *Handler) Queue() *DeferredQueue { return h.queue }

// RejectDecision is the fixed decision for breaker-rejected calls: no retry,
// legacy path, restart the plugin. The failed error is never classified
// because the plugin was never reached.
func RejectDecision() Decision {
	return Decision{
		Retry:       false,
		Fallback:    UseLegacyPath,
		Recovery:    RestartPlugin,
		Alert:       AlertWarning,
		CircuitOpen: true,
	}
}

// Handle produces the decision for a failed call.
//
// The circuit breaker is consulted first: a rejection short-circuits the whole
// strategy lookup and always recommends the legacy path plus a plugin restart,
// without recording a failure (the plugin was never reached). Otherwise the
// failure is recorded against the breaker and the strategy table applies.
func (h *Handler) Handle(err error, cc CallContext) Decision {
	if ok, _ := h.breakers.Check(cc.Key()); !ok {
		h.log.Debug("breaker rejected call",
			logx.String("key", cc.Key()),
			logx.String("agent", cc.AgentID),
		)
		return RejectDecision()
	}
	return h.Decide(err, cc)
}

// Decide records the failure against the breaker and applies the strategy
// table, without consulting the breaker gate first. Use it when the call was
// already admitted (the caller ran Check itself before executing).
func (h *Handler) Decide(err error, cc CallContext) Decision {
	key := cc.Key()
	h.breakers.RecordFailure(key)

	kind := Classify(err)
	strat := StrategyFor(kind)

	d := Decision{
		Type:     kind,
		Fallback: strat.Fallback,
		Recovery: strat.Recovery,
		Alert:    strat.Alert,
	}

	attempt := cc.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if kind.Retryable() && attempt < strat.Retry.MaxAttempts {
		d.Retry = true
		d.Delay = h.attemptDelay(strat.Retry, attempt)
	}

	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeOperationFailed, Data: struct {
			Key      string `json:"key"`
			Kind     Kind   `json:"kind"`
			Attempt  int    `json:"attempt"`
			Retrying bool   `json:"retrying"`
		}{key, kind, attempt, d.Retry}})
	}
	return d
}

// attemptDelay picks the strategy-table delay for the attempt that just
// failed, jittered ±25% when the policy asks for it.
func (h *Handler) attemptDelay(p RetryPolicy, attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	d := p.Delays[idx]
	if p.Jitter {
		d = h.jitter(d, 0.25)
	}
	return d
}

func (h *Handler) jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	h.rngMu.Lock()
	r := (h.rng.Float64()*2 - 1) * frac
	h.rngMu.Unlock()
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		out = 0
	}
	return out
}

// ExecuteWithRetry runs op up to the configured attempt budget with
// exponential-backoff-with-jitter sleeps between attempts, recording every
// outcome into key's breaker. The last error is returned unwrapped once the
// budget is exhausted.
//
// A breaker rejection aborts immediately with ErrCircuitOpen; it does not
// count against the attempt budget.
func (h *Handler) ExecuteWithRetry(ctx context.Context, key string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		if ok, _ := h.breakers.Check(key); !ok {
			return ErrCircuitOpen
		}

		err := op(ctx)
		if err == nil {
			h.breakers.RecordSuccess(key)
			return nil
		}
		lastErr = err
		h.breakers.RecordFailure(key)

		if attempt == h.maxAttempts {
			break
		}

		delay := h.jitter(BackoffDelay(h.backoff, attempt), h.backoff.Jitter)
		h.log.Debug("retry scheduled",
			logx.String("key", key),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}
	}
	return lastErr
}

// BackoffDelay computes the un-jittered delay before attempt+1:
// min(initial × multiplier^(attempt-1), max). Monotone non-decreasing in
// attempt, capped at MaxDelay.
func BackoffDelay(s config.BackoffSettings, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.InitialDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := s.MaxDelay
	if maxD <= 0 {
		maxD = 16 * time.Second
	}
	mult := s.Multiplier
	if mult < 1 {
		mult = 2
	}

	f := float64(base) * math.Pow(mult, float64(attempt-1))
	if f > float64(maxD) || f < 0 || math.IsInf(f, 0) {
		return maxD
	}
	return time.Duration(f)
}
