package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one routed operation outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At          time.Time
	AgentID     string
	Plugin      string
	Operation   string
	OperationID string
	Success     bool
	Error       string
	Decision    string // error-handler decision kind, empty on success
	TookMS      int64
}

// Trip is a persisted open-breaker record: the key stays rejected until
// the deadline passes.
type Trip struct {
	Key   string
	Until time.Time
}
