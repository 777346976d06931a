package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcore/internal/config"
	"agentcore/internal/eventbus"
	"agentcore/pkg/logx"
)

type entry struct {
	impl     Plugin
	status   Status
	priority int
	lastErr  error
	loadedAt time.Time
}

// Manager owns the plugin lifecycle: loading, unloading, capability
// routing and operation dispatch. All methods are safe for concurrent use.
type Manager struct {
	log     logx.Logger
	bus     eventbus.Bus
	deps    Deps
	timeout time.Duration

	mu        sync.RWMutex
	settings  map[string]config.PluginSettings
	entries   map[string]*entry
	primaries map[string]string // capability -> plugin name
}

// NewManager wires a manager against the given config snapshot.
// Plugins are not loaded until Initialize or Load is called.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:       log.With(logx.String("component", "plugins")),
		bus:       deps.Bus,
		deps:      deps,
		timeout:   cfg.OperationTimeout(),
		settings:  map[string]config.PluginSettings{},
		entries:   map[string]*entry{},
		primaries: map[string]string{},
	}
	for name, ps := range cfg.Plugins {
		m.settings[name] = ps
	}
	return m
}

// Initialize loads every enabled plugin from config. A plugin that fails
// to load is recorded in error state and skipped; the rest still come up.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.settings))
	for name, ps := range m.settings {
		if ps.Enabled {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)

	var failed int
	for _, name := range names {
		if err := m.Load(ctx, name); err != nil {
			failed++
			m.log.Error("plugin load failed during startup",
				logx.String("plugin", name), logx.Err(err))
		}
	}
	m.log.Info("plugin startup complete",
		logx.Int("loaded", len(names)-failed), logx.Int("failed", failed))
	return nil
}

// Load brings one plugin into the loaded state. Loading an already loaded
// plugin is a no-op. Plugins missing from config, or disabled there,
// cannot be loaded.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	ps, ok := m.settings[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoConfig, name)
	}
	if !ps.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}
	if e, exists := m.entries[name]; exists && e.status == StatusLoaded {
		m.mu.Unlock()
		return nil
	}
	impl, err := newInstance(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e := &entry{impl: impl, status: StatusLoading, priority: ps.Priority}
	m.entries[name] = e
	m.mu.Unlock()

	if err := impl.Init(ctx, m.deps); err != nil {
		m.mu.Lock()
		e.status = StatusError
		e.lastErr = err
		m.mu.Unlock()
		m.publish(eventbus.TypePluginError, map[string]any{
			"plugin": name, "error": err.Error(),
		})
		return fmt.Errorf("init plugin %s: %w", name, err)
	}

	m.mu.Lock()
	e.status = StatusLoaded
	e.lastErr = nil
	e.loadedAt = time.Now()
	m.resolveLocked()
	m.mu.Unlock()

	m.log.Info("plugin loaded",
		logx.String("plugin", name), logx.Int("priority", ps.Priority))
	m.publish(eventbus.TypePluginLoaded, map[string]any{"plugin": name})
	return nil
}

// Unload tears a plugin down. Unloading a plugin that is not loaded is a
// no-op and returns nil.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok || e.status != StatusLoaded {
		m.mu.Unlock()
		return nil
	}
	e.status = StatusUnloading
	impl := e.impl
	m.mu.Unlock()

	err := impl.Close(ctx)

	m.mu.Lock()
	e.status = StatusUnloaded
	e.impl = nil
	if err != nil {
		e.lastErr = err
	}
	m.resolveLocked()
	m.mu.Unlock()

	m.log.Info("plugin unloaded", logx.String("plugin", name))
	m.publish(eventbus.TypePluginUnloaded, map[string]any{"plugin": name})
	if err != nil {
		return fmt.Errorf("close plugin %s: %w", name, err)
	}
	return nil
}

// Reload is Unload followed by Load with a fresh instance.
func (m *Manager) Reload(ctx context.Context, name string) error {
	if err := m.Unload(ctx, name); err != nil {
		return err
	}
	return m.Load(ctx, name)
}

// Execute routes one operation to a named plugin. The call path is:
// status gate, capability gate, parameter validation, then the plugin
// call under the per-operation timeout. Panics inside a plugin are
// converted into errors.
func (m *Manager) Execute(ctx context.Context, name, operation string, params map[string]any) (*OperationResult, error) {
	opID := uuid.NewString()
	started := time.Now()

	m.mu.RLock()
	e, ok := m.entries[name]
	var impl Plugin
	if ok && e.status == StatusLoaded {
		impl = e.impl
	}
	timeout := m.timeout // ApplySettings rewrites this under the lock
	m.mu.RUnlock()

	if impl == nil {
		return m.fail(name, opID, started, fmt.Errorf("%w: %s", ErrNotLoaded, name))
	}
	if !hasCapability(impl, operation) {
		return m.fail(name, opID, started,
			fmt.Errorf("%w: plugin %s does not provide %q", ErrUnsupportedOperation, name, operation))
	}
	if err := validateParams(operation, params); err != nil {
		return m.fail(name, opID, started, err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := safeExecute(callCtx, impl, operation, params)
	took := time.Since(started)
	if err != nil {
		m.publish(eventbus.TypeOperationFailed, map[string]any{
			"plugin": name, "operation": operation, "operation_id": opID,
			"error": err.Error(),
		})
		return &OperationResult{
			Error:         err.Error(),
			ExecutionTime: took,
			PluginUsed:    name,
			OperationID:   opID,
		}, err
	}
	m.publish(eventbus.TypeOperationDone, map[string]any{
		"plugin": name, "operation": operation, "operation_id": opID,
	})
	return &OperationResult{
		Success:       true,
		Data:          data,
		ExecutionTime: took,
		PluginUsed:    name,
		OperationID:   opID,
	}, nil
}

func (m *Manager) fail(name, opID string, started time.Time, err error) (*OperationResult, error) {
	return &OperationResult{
		Error:         err.Error(),
		ExecutionTime: time.Since(started),
		PluginUsed:    name,
		OperationID:   opID,
	}, err
}

func safeExecute(ctx context.Context, impl Plugin, operation string, params map[string]any) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic in %s: %v", operation, r)
		}
	}()
	return impl.Execute(ctx, operation, params)
}

// Primary returns the plugin currently routing a capability, if any.
func (m *Manager) Primary(capability string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.primaries[capability]
	return name, ok
}

// AlternativeFor returns the highest-priority loaded plugin other than
// exclude that provides the capability.
func (m *Manager) AlternativeFor(capability, exclude string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := ""
	bestPrio := 0
	for name, e := range m.entries {
		if name == exclude || e.status != StatusLoaded {
			continue
		}
		if !hasCapability(e.impl, capability) {
			continue
		}
		if best == "" || e.priority > bestPrio || (e.priority == bestPrio && name < best) {
			best, bestPrio = name, e.priority
		}
	}
	return best, best != ""
}

// SetPriority updates a plugin's priority and re-runs conflict resolution.
func (m *Manager) SetPriority(name string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.settings[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConfig, name)
	}
	ps.Priority = priority
	m.settings[name] = ps
	if e, exists := m.entries[name]; exists {
		e.priority = priority
	}
	m.resolveLocked()
	return nil
}

// ApplySettings reconciles the manager against a new config snapshot:
// newly disabled plugins are unloaded, newly enabled ones loaded, and
// priority changes re-resolve capability routing.
func (m *Manager) ApplySettings(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	old := m.settings
	m.settings = map[string]config.PluginSettings{}
	for name, ps := range cfg.Plugins {
		m.settings[name] = ps
		if e, exists := m.entries[name]; exists {
			e.priority = ps.Priority
		}
	}
	m.timeout = cfg.OperationTimeout()

	var toLoad, toUnload []string
	for name, ps := range m.settings {
		was := old[name]
		if ps.Enabled && !was.Enabled {
			toLoad = append(toLoad, name)
		}
	}
	for name, was := range old {
		ps, still := m.settings[name]
		if was.Enabled && (!still || !ps.Enabled) {
			toUnload = append(toUnload, name)
		}
	}
	m.resolveLocked()
	m.mu.Unlock()

	sort.Strings(toLoad)
	sort.Strings(toUnload)
	for _, name := range toUnload {
		if err := m.Unload(ctx, name); err != nil {
			m.log.Error("unload after config change", logx.String("plugin", name), logx.Err(err))
		}
	}
	for _, name := range toLoad {
		if err := m.Load(ctx, name); err != nil {
			m.log.Error("load after config change", logx.String("plugin", name), logx.Err(err))
		}
	}
}

// ResolveConflicts recomputes capability routing and returns the routes.
func (m *Manager) ResolveConflicts() []CapabilityRoute {
	m.mu.Lock()
	routes := m.resolveLocked()
	m.mu.Unlock()
	return routes
}

// resolveLocked rebuilds the capability->primary map. Highest priority
// wins; ties break lexicographically so routing stays deterministic.
// Callers hold m.mu.
func (m *Manager) resolveLocked() []CapabilityRoute {
	providers := map[string][]string{}
	for name, e := range m.entries {
		if e.status != StatusLoaded {
			continue
		}
		for _, cap := range e.impl.Capabilities() {
			providers[cap] = append(providers[cap], name)
		}
	}

	m.primaries = map[string]string{}
	caps := make([]string, 0, len(providers))
	for cap := range providers {
		caps = append(caps, cap)
	}
	sort.Strings(caps)

	routes := make([]CapabilityRoute, 0, len(caps))
	for _, cap := range caps {
		names := providers[cap]
		sort.Slice(names, func(i, j int) bool {
			pi, pj := m.entries[names[i]].priority, m.entries[names[j]].priority
			if pi != pj {
				return pi > pj
			}
			return names[i] < names[j]
		})
		m.primaries[cap] = names[0]
		route := CapabilityRoute{Capability: cap, Primary: names[0]}
		if len(names) > 1 {
			route.Shadowed = names[1:]
			for _, shadowed := range names[1:] {
				m.log.Warn("capability shadowed",
					logx.String("capability", cap),
					logx.String("primary", names[0]),
					logx.String("shadowed", shadowed))
				m.publish(eventbus.TypePluginShadowed, map[string]any{
					"capability": cap, "primary": names[0], "shadowed": shadowed,
				})
			}
		}
		routes = append(routes, route)
	}
	return routes
}

// Snapshot reports the current status of every known plugin and the
// capability routing table.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.settings))
	for name := range m.settings {
		names = append(names, name)
	}
	sort.Strings(names)

	snap := ManagerSnapshot{Time: time.Now()}
	for _, name := range names {
		info := Info{Name: name, Status: StatusUnloaded, Priority: m.settings[name].Priority}
		if e, ok := m.entries[name]; ok {
			info.Status = e.status
			info.Priority = e.priority
			info.LoadedAt = e.loadedAt
			if e.lastErr != nil {
				info.LastError = e.lastErr.Error()
			}
			if e.status == StatusLoaded {
				info.Capabilities = e.impl.Capabilities()
			}
		}
		snap.Plugins = append(snap.Plugins, info)
	}

	caps := make([]string, 0, len(m.primaries))
	for cap := range m.primaries {
		caps = append(caps, cap)
	}
	sort.Strings(caps)
	for _, cap := range caps {
		snap.Routes = append(snap.Routes, CapabilityRoute{Capability: cap, Primary: m.primaries[cap]})
	}
	return snap
}

// Describe returns the Info view of a single plugin. The second return is
// false when the plugin has no config entry.
func (m *Manager) Describe(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ps, ok := m.settings[name]
	if !ok {
		return Info{}, false
	}
	info := Info{Name: name, Status: StatusUnloaded, Priority: ps.Priority}
	if e, exists := m.entries[name]; exists {
		info.Status = e.status
		info.Priority = e.priority
		info.LoadedAt = e.loadedAt
		if e.lastErr != nil {
			info.LastError = e.lastErr.Error()
		}
		if e.status == StatusLoaded {
			info.Capabilities = e.impl.Capabilities()
		}
	}
	return info, true
}

// LoadedCount returns how many plugins are loaded and how many are in
// error state.
func (m *Manager) LoadedCount() (loaded, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		switch e.status {
		case StatusLoaded:
			loaded++
		case StatusError:
			failed++
		}
	}
	return loaded, failed
}

// Shutdown unloads every loaded plugin. Errors are logged, not returned;
// shutdown always runs to completion.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name, e := range m.entries {
		if e.status == StatusLoaded {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		if err := m.Unload(ctx, name); err != nil {
			m.log.Error("unload during shutdown", logx.String("plugin", name), logx.Err(err))
		}
	}
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func hasCapability(impl Plugin, operation string) bool {
	for _, cap := range impl.Capabilities() {
		if cap == operation {
			return true
		}
	}
	return false
}
