package plugin

import (
	"errors"
	"time"
)

// Status is a plugin's lifecycle state. Only loaded plugins execute operations.
type Status string

const (
	StatusUnloaded  Status = "unloaded"
	StatusLoading   Status = "loading"
	StatusLoaded    Status = "loaded"
	StatusUnloading Status = "unloading"
	StatusError     Status = "error"
)

var (
	ErrUnknownPlugin        = errors.New("unknown plugin")
	ErrNoConfig             = errors.New("plugin has no config entry")
	ErrDisabled             = errors.New("plugin disabled in config")
	ErrNotLoaded            = errors.New("plugin not loaded")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Info is the externally visible view of one plugin.
type Info struct {
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Priority     int       `json:"priority"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LoadedAt     time.Time `json:"loaded_at,omitempty"`
}

// OperationResult wraps the outcome of one routed operation attempt.
type OperationResult struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	PluginUsed    string        `json:"plugin_used"`
	OperationID   string        `json:"operation_id"`
}

// CapabilityRoute records the outcome of conflict resolution for one
// capability: the primary plugin plus any shadowed lower-priority providers.
type CapabilityRoute struct {
	Capability string   `json:"capability"`
	Primary    string   `json:"primary"`
	Shadowed   []string `json:"shadowed,omitempty"`
}

// ManagerSnapshot is a point-in-time view of plugin runtime state.
type ManagerSnapshot struct {
	Time    time.Time         `json:"time"`
	Plugins []Info            `json:"plugins"`
	Routes  []CapabilityRoute `json:"routes,omitempty"`
}
