// Package plugin defines the capability-plugin contract and the manager that
// owns plugin lifecycle, capability routing, and conflict resolution.
package plugin

import (
	"context"

	"agentcore/internal/eventbus"
	"agentcore/internal/rpc"
	logx "agentcore/pkg/logx"
)

// Deps is handed to every plugin at Init time.
type Deps struct {
	Logger logx.Logger
	RPC    *rpc.Client
	Bus    eventbus.Bus
}

// Plugin is the collaborator contract for a capability unit.
//
// Execute is synchronous and side-effecting. Implementations must NOT retry
// internally: retries, breakers, and deferral are the orchestration layer's
// responsibility. Capabilities must be static for the life of the plugin.
type Plugin interface {
	Name() string
	Capabilities() []string
	Init(ctx context.Context, deps Deps) error
	Execute(ctx context.Context, operation string, params map[string]any) (any, error)
	Close(ctx context.Context) error
}
