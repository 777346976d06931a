// Package breaker implements per-operation-key circuit breakers.
//
// Each key (conventionally "operation_plugin") owns an independent
// closed/open/half-open state machine. Keys are created lazily on first use
// and held for the process lifetime unless explicitly reset.
package breaker

import (
	"strings"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings tunes every breaker in a Registry.
type Settings struct {
	// FailureThreshold is the consecutive-window failure count that opens a
	// closed breaker.
	FailureThreshold int
	// OpenDuration is how long an open breaker rejects calls before the next
	// call is allowed through as a half-open probe.
	OpenDuration time.Duration
	// HalfOpenMaxCalls is the probe budget while half-open; that many
	// consecutive successes close the breaker again.
	HalfOpenMaxCalls int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = 30 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 2
	}
	return s
}

// keyState is one breaker. Its mutex is scoped tightly around the
// read-modify-write of the state machine so unrelated keys never serialize
// against each other.
type keyState struct {
	mu sync.Mutex

	state        State
	failureCount int
	successCount int // used only in half-open
	probes       int // half-open calls admitted in the current window
	lastFailure  time.Time
	nextAttempt  time.Time
}

// Transition describes a state change, for observability.
type Transition struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// Registry holds one breaker per operation key.
type Registry struct {
	set Settings
	now func() time.Time

	// onTransition, if set, is invoked after the per-key lock is released.
	onTransition func(Transition)

	mu   sync.Mutex
	keys map[string]*keyState
}

type Option func(*Registry)

// WithClock injects a time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook registers a callback for every state change.
// The callback must be fast and must not call back into the Registry.
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Registry) { r.onTransition = fn }
}

func NewRegistry(set Settings, opts ...Option) *Registry {
	r := &Registry{
		set:  set.withDefaults(),
		now:  time.Now,
		keys: map[string]*keyState{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) get(key string) *keyState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	r.mu.Lock()
	st := r.keys[k]
	if st == nil {
		st = &keyState{state: Closed}
		r.keys[k] = st
	}
	r.mu.Unlock()
	return st
}

func (r *Registry) emit(key string, from, to State, at time.Time) {
	if r.onTransition == nil || from == to {
		return
	}
	r.onTransition(Transition{Key: key, From: from, To: to, At: at})
}

// Check reports whether a call on key may proceed.
//
// While open, all calls are rejected until OpenDuration has elapsed; the next
// check after that transitions the breaker to half-open and admits the call as
// a probe. While half-open, at most HalfOpenMaxCalls probes are admitted.
func (r *Registry) Check(key string) (canProceed bool, state State) {
	st := r.get(key)
	if st == nil {
		return true, Closed
	}
	now := r.now()

	st.mu.Lock()
	from := st.state
	switch st.state {
	case Closed:
		canProceed, state = true, Closed
	case Open:
		if now.Before(st.nextAttempt) {
			canProceed, state = false, Open
			break
		}
		st.state = HalfOpen
		st.successCount = 0
		st.probes = 1
		canProceed, state = true, HalfOpen
	case HalfOpen:
		if st.probes < r.set.HalfOpenMaxCalls {
			st.probes++
			canProceed, state = true, HalfOpen
			break
		}
		canProceed, state = false, HalfOpen
	}
	to := st.state
	st.mu.Unlock()

	r.emit(key, from, to, now)
	return canProceed, state
}

// RecordSuccess feeds a successful call outcome into key's breaker.
//
// While closed, the failure count is decremented (floor 0) rather than reset,
// keeping the breaker mildly sticky toward opening after a failure burst.
func (r *Registry) RecordSuccess(key string) {
	st := r.get(key)
	if st == nil {
		return
	}
	now := r.now()

	st.mu.Lock()
	from := st.state
	switch st.state {
	case Closed:
		if st.failureCount > 0 {
			st.failureCount--
		}
	case HalfOpen:
		st.successCount++
		if st.successCount >= r.set.HalfOpenMaxCalls {
			st.state = Closed
			st.failureCount = 0
			st.successCount = 0
			st.probes = 0
			st.nextAttempt = time.Time{}
		}
	case Open:
		// Success while open means the caller bypassed Check; ignore.
	}
	to := st.state
	st.mu.Unlock()

	r.emit(key, from, to, now)
}

// RecordFailure feeds a failed call outcome into key's breaker.
func (r *Registry) RecordFailure(key string) {
	st := r.get(key)
	if st == nil {
		return
	}
	now := r.now()

	st.mu.Lock()
	from := st.state
	switch st.state {
	case Closed:
		st.failureCount++
		st.lastFailure = now
		if st.failureCount >= r.set.FailureThreshold {
			st.state = Open
			st.nextAttempt = now.Add(r.set.OpenDuration)
		}
	case HalfOpen:
		// Any failure while probing immediately reopens.
		st.state = Open
		st.successCount = 0
		st.probes = 0
		st.lastFailure = now
		st.nextAttempt = now.Add(r.set.OpenDuration)
	case Open:
		st.lastFailure = now
	}
	to := st.state
	st.mu.Unlock()

	r.emit(key, from, to, now)
}

// ForceOpen places key directly into the open state until the given
// deadline. Used to restore tripped breakers from persisted state after a
// restart; a deadline in the past is ignored.
func (r *Registry) ForceOpen(key string, until time.Time) {
	st := r.get(key)
	if st == nil {
		return
	}
	now := r.now()
	if !until.After(now) {
		return
	}

	st.mu.Lock()
	from := st.state
	st.state = Open
	st.successCount = 0
	st.probes = 0
	st.nextAttempt = until
	st.mu.Unlock()

	r.emit(key, from, Open, now)
}

// Reset forces key back to closed with zeroed counters.
func (r *Registry) Reset(key string) {
	st := r.get(key)
	if st == nil {
		return
	}
	now := r.now()

	st.mu.Lock()
	from := st.state
	st.state = Closed
	st.failureCount = 0
	st.successCount = 0
	st.probes = 0
	st.nextAttempt = time.Time{}
	st.mu.Unlock()

	r.emit(key, from, Closed, now)
}

// KeyView is a diagnostic snapshot of one breaker.
type KeyView struct {
	Key          string    `json:"key"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
}

// Snapshot is a point-in-time view across all keys.
type Snapshot struct {
	Total int       `json:"total"`
	Open  int       `json:"open"`
	Keys  []KeyView `json:"keys,omitempty"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	keys := make(map[string]*keyState, len(r.keys))
	for k, st := range r.keys {
		keys[k] = st
	}
	r.mu.Unlock()

	out := Snapshot{Total: len(keys)}
	for k, st := range keys {
		st.mu.Lock()
		v := KeyView{
			Key:          k,
			State:        st.state.String(),
			FailureCount: st.failureCount,
			SuccessCount: st.successCount,
			LastFailure:  st.lastFailure,
			NextAttempt:  st.nextAttempt,
		}
		if st.state == Open {
			out.Open++
		}
		st.mu.Unlock()
		out.Keys = append(out.Keys, v)
	}
	return out
}
