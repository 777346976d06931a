package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcore/internal/rpc"
)

var (
	ErrAgentExists   = errors.New("agent instance already exists")
	ErrAgentNotFound = errors.New("agent instance not found")
)

// AgentConfig describes one caller's execution context.
type AgentConfig struct {
	AgentID string `json:"agent_id"`
	// RPCURL overrides the shared connection; empty uses the core one.
	RPCURL string `json:"rpc_url,omitempty"`
	// Commitment overrides the shared commitment level.
	Commitment string `json:"commitment,omitempty"`
}

// AgentInstance is a per-caller handle, owned exclusively by the core
// manager's agents map.
type AgentInstance struct {
	ID        string      `json:"id"`
	Config    AgentConfig `json:"config"`
	CreatedAt time.Time   `json:"created_at"`

	conn *rpc.Client
}

// Conn returns the instance's RPC handle (the shared one unless overridden).
func (a *AgentInstance) Conn() *rpc.Client { return a.conn }

// CreateAgentInstance registers an execution context keyed by AgentID.
func (m *Manager) CreateAgentInstance(cfg AgentConfig) (*AgentInstance, error) {
	id := strings.TrimSpace(cfg.AgentID)
	if id == "" {
		return nil, errors.New("agent_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	if _, dup := m.agents[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	conn := m.rpcClient
	if url := strings.TrimSpace(cfg.RPCURL); url != "" {
		commitment := cfg.Commitment
		if commitment == "" {
			commitment = m.cfg.Core.Commitment
		}
		conn = rpc.New(url, commitment, m.cfg.OperationTimeout())
	}

	inst := &AgentInstance{
		ID:        id,
		Config:    cfg,
		CreatedAt: time.Now(),
		conn:      conn,
	}
	m.agents[id] = inst
	return inst, nil
}

// GetAgentInstance looks up an execution context by id.
func (m *Manager) GetAgentInstance(id string) (*AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return inst, nil
}

// RemoveAgentInstance drops an execution context. Removing an unknown id is
// a no-op.
func (m *Manager) RemoveAgentInstance(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.agents[id]
	if !ok {
		return
	}
	if inst.conn != nil && inst.conn != m.rpcClient {
		inst.conn.Close()
	}
	delete(m.agents, id)
}
