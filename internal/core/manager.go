// Package core is the orchestration facade: it owns the RPC connection,
// the plugin manager, the failure handler and the metrics recorder, and
// exposes health and metrics snapshots.
package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"agentcore/internal/breaker"
	"agentcore/internal/config"
	"agentcore/internal/eventbus"
	"agentcore/internal/failure"
	"agentcore/internal/metrics"
	"agentcore/internal/plugin"
	"agentcore/internal/rpc"
	"agentcore/internal/storage"
	"agentcore/pkg/logx"
)

var ErrNotInitialized = errors.New("core manager not initialized")

type Manager struct {
	log     logx.Logger
	bus     eventbus.Bus
	cfgMgr  *config.Manager
	store   storage.Store
	promReg *prometheus.Registry

	mu          sync.Mutex
	cfg         *config.Config
	initialized bool
	agents      map[string]*AgentInstance

	rpcClient *rpc.Client
	breakers  *breaker.Registry
	handler   *failure.Handler
	plugins   *plugin.Manager
	recorder  *metrics.Recorder

	sched      *cron.Cron
	alertLimit *rate.Limiter
	openCount  atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	cfgCh     chan *config.Config
	wg        sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithStore enables the operation audit log and breaker-trip persistence.
// The caller keeps ownership and closes the store after Shutdown.
func WithStore(st storage.Store) Option {
	return func(m *Manager) { m.store = st }
}

// WithConfigManager enables hot reload: plugin enable/disable and priority
// changes are reconciled when the manager publishes a new snapshot.
func WithConfigManager(cm *config.Manager) Option {
	return func(m *Manager) { m.cfgMgr = cm }
}

// WithPrometheus mirrors operation metrics into collectors on reg.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(m *Manager) { m.promReg = reg }
}

func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		log:    logx.Nop(),
		cfg:    cfg,
		agents: map[string]*AgentInstance{},
		// At most one alert burst per breach window; quiet otherwise.
		alertLimit: rate.NewLimiter(rate.Every(30*time.Second), 3),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("component", "core"))
	return m
}

// Initialize validates config, pings the RPC endpoint (fail-fast), builds
// the plugin manager and failure handler, and starts the periodic loops.
// Idempotent: a second call on an initialized manager is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	cfg := m.cfg

	if cfg == nil || !cfg.Enabled {
		return config.ErrDisabled
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	m.rpcClient = rpc.New(cfg.Core.RPCURL, cfg.Core.Commitment, cfg.OperationTimeout())
	if err := m.rpcClient.Ping(ctx); err != nil {
		m.rpcClient.Close()
		m.rpcClient = nil
		return fmt.Errorf("connect %s rpc: %w", cfg.Core.Network, err)
	}

	var recOpts []metrics.Option
	if m.promReg != nil && cfg.Monitoring.MetricsEnabled {
		recOpts = append(recOpts, metrics.WithPrometheus(m.promReg))
	}
	m.recorder = metrics.NewRecorder(recOpts...)

	// The hook runs on whatever goroutine trips the breaker, including the
	// trip-restore loop below while m.mu is held. It gets its collaborators
	// captured here instead of reading manager state.
	bset := cfg.BreakerSettings()
	rec := m.recorder
	hook := func(t breaker.Transition) {
		m.onBreakerTransition(t, rec, bset.OpenDuration)
	}
	m.breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: bset.FailureThreshold,
		OpenDuration:     bset.OpenDuration,
		HalfOpenMaxCalls: bset.HalfOpenMaxCalls,
	}, breaker.WithTransitionHook(hook))

	if m.store != nil {
		trips, err := m.store.Trips(ctx)
		if err != nil {
			m.log.Warn("restore breaker trips", logx.Err(err))
		}
		for _, t := range trips {
			m.breakers.ForceOpen(t.Key, t.Until)
			m.log.Info("breaker restored open",
				logx.String("key", t.Key), logx.Time("until", t.Until))
		}
	}

	m.handler = failure.NewHandler(m.breakers, cfg.BackoffSettings(), cfg.RetryAttempts(),
		failure.WithLogger(m.log),
		failure.WithBus(m.bus),
	)

	m.plugins = plugin.NewManager(cfg, plugin.Deps{
		Logger: m.log,
		RPC:    m.rpcClient,
		Bus:    m.bus,
	})
	if err := m.plugins.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize plugins: %w", err)
	}

	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.sched = cron.New()
	if iv := cfg.HealthCheckInterval(); iv > 0 {
		if _, err := m.sched.AddFunc("@every "+iv.String(), m.healthTick); err != nil {
			return fmt.Errorf("schedule health check: %w", err)
		}
	}
	if raw := cfg.Integration.QueueDrainInterval; raw != "" {
		iv, err := time.ParseDuration(raw)
		if err != nil || iv <= 0 {
			return fmt.Errorf("bad queue_drain_interval %q", raw)
		}
		if _, err := m.sched.AddFunc("@every "+iv.String(), m.drainTick); err != nil {
			return fmt.Errorf("schedule queue drain: %w", err)
		}
	}
	m.sched.Start()

	if m.cfgMgr != nil {
		m.cfgCh = m.cfgMgr.Subscribe(4)
		m.wg.Add(1)
		go m.reloadLoop()
	}

	m.initialized = true
	m.log.Info("core manager initialized",
		logx.String("network", cfg.Core.Network),
		logx.String("rpc_url", cfg.Core.RPCURL),
		logx.Int("retry_attempts", cfg.RetryAttempts()),
	)
	return nil
}

// Shutdown stops the timers, unloads every plugin, clears agent handles and
// returns the manager to the uninitialized state. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	sched := m.sched
	plugins := m.plugins
	rpcClient := m.rpcClient
	cancel := m.runCancel
	cfgCh := m.cfgCh
	agents := m.agents
	m.sched = nil
	m.rpcClient = nil
	m.cfgCh = nil
	m.agents = map[string]*AgentInstance{}
	m.mu.Unlock()

	// Per-agent clients with an override URL are owned here; the shared
	// client is closed once, below.
	for _, inst := range agents {
		if inst.conn != nil && inst.conn != rpcClient {
			inst.conn.Close()
		}
	}

	if sched != nil {
		<-sched.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	if cfgCh != nil && m.cfgMgr != nil {
		m.cfgMgr.Unsubscribe(cfgCh)
	}
	m.wg.Wait()

	if plugins != nil {
		plugins.Shutdown(ctx)
	}
	if rpcClient != nil {
		rpcClient.Close()
	}
	m.log.Info("core manager shut down")
	return nil
}

func (m *Manager) runtime() (*plugin.Manager, *failure.Handler, *metrics.Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, nil, nil, ErrNotInitialized
	}
	return m.plugins, m.handler, m.recorder, nil
}

// ExecuteOperation routes one operation attempt to a named plugin.
//
// The breaker gate runs before the plugin is reached: an open circuit
// rejects the call with ErrCircuitOpen and the fixed legacy-path decision.
// On any other failure the decision comes from the error handler; a
// QueueForLater fallback also enqueues a re-attempt on the deferred queue.
// The decision is nil on success.
func (m *Manager) ExecuteOperation(ctx context.Context, pluginName, operation string, params map[string]any) (*plugin.OperationResult, *failure.Decision, error) {
	plugins, handler, recorder, err := m.runtime()
	if err != nil {
		return nil, nil, err
	}

	cc := failure.CallContext{
		Operation: operation,
		Plugin:    pluginName,
		Attempt:   1,
		Priority:  m.pluginPriority(pluginName),
	}
	key := cc.Key()

	if ok, _ := handler.Breakers().Check(key); !ok {
		d := failure.RejectDecision()
		// Rejections never reach the plugin; keep them out of the
		// completed-attempt counters and the execution-time average.
		recorder.RecordRejection(pluginName)
		m.audit(ctx, storage.AuditEntry{
			Plugin:    pluginName,
			Operation: operation,
			Error:     failure.ErrCircuitOpen.Error(),
			Decision:  "circuit_open",
		})
		return nil, &d, failure.ErrCircuitOpen
	}

	res, execErr := plugins.Execute(ctx, pluginName, operation, params)
	recorder.Record(pluginName, execErr == nil, res.ExecutionTime)

	entry := storage.AuditEntry{
		Plugin:      pluginName,
		Operation:   operation,
		OperationID: res.OperationID,
		Success:     execErr == nil,
		TookMS:      res.ExecutionTime.Milliseconds(),
	}

	if execErr == nil {
		handler.Breakers().RecordSuccess(key)
		m.audit(ctx, entry)
		return res, nil, nil
	}

	d := handler.Decide(execErr, cc)
	entry.Error = execErr.Error()
	entry.Decision = string(d.Type)
	m.audit(ctx, entry)

	// During a drain pass the queue itself decides requeue versus drop;
	// enqueuing here as well would resurrect items the drain reports dropped.
	if d.Fallback == failure.QueueForLater && !d.Retry && !failure.Draining(ctx) {
		handler.Queue().Enqueue(func(c context.Context) error {
			_, _, err := m.ExecuteOperation(c, pluginName, operation, params)
			return err
		}, cc)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{
				Type: eventbus.TypeOperationQueued,
				Time: time.Now(),
				Data: map[string]any{"key": key, "operation_id": res.OperationID},
			})
		}
	}
	return res, &d, execErr
}

// ExecuteOperationWithRetry drives the full retry budget for one operation:
// exponential backoff between attempts, breaker bookkeeping per attempt,
// metrics per attempt. Returns the last result and error.
func (m *Manager) ExecuteOperationWithRetry(ctx context.Context, pluginName, operation string, params map[string]any) (*plugin.OperationResult, error) {
	plugins, handler, recorder, err := m.runtime()
	if err != nil {
		return nil, err
	}
	key := operation + "_" + pluginName

	var last *plugin.OperationResult
	err = handler.ExecuteWithRetry(ctx, key, func(c context.Context) error {
		res, execErr := plugins.Execute(c, pluginName, operation, params)
		last = res
		recorder.Record(pluginName, execErr == nil, res.ExecutionTime)
		return execErr
	})

	entry := storage.AuditEntry{
		Plugin:    pluginName,
		Operation: operation,
		Success:   err == nil,
	}
	if last != nil {
		entry.OperationID = last.OperationID
		entry.TookMS = last.ExecutionTime.Milliseconds()
	}
	if err != nil {
		entry.Error = err.Error()
		entry.Decision = string(failure.Classify(err))
	}
	m.audit(ctx, entry)
	return last, err
}

// DrainDeferred re-attempts everything on the deferred queues.
func (m *Manager) DrainDeferred(ctx context.Context) (failure.DrainResult, error) {
	_, handler, _, err := m.runtime()
	if err != nil {
		return failure.DrainResult{}, err
	}
	return handler.Queue().DrainAll(ctx), nil
}

// GetMetrics returns the global and per-plugin rolling metrics.
func (m *Manager) GetMetrics() (metrics.Snapshot, error) {
	_, _, recorder, err := m.runtime()
	if err != nil {
		return metrics.Snapshot{}, err
	}
	return recorder.Snapshot(), nil
}

// GetHealthStatus derives component health and the overall rollup.
func (m *Manager) GetHealthStatus() HealthStatus {
	now := time.Now()

	m.mu.Lock()
	initialized := m.initialized
	plugins := m.plugins
	recorder := m.recorder
	rpcClient := m.rpcClient
	cfg := m.cfg
	m.mu.Unlock()

	hs := HealthStatus{
		Plugins:   map[string]ComponentHealth{},
		CheckedAt: now,
	}

	hs.Core = ComponentHealth{Status: StatusHealthy}
	if !initialized {
		hs.Core = ComponentHealth{Status: StatusUnhealthy, Detail: "not initialized"}
	}

	if rpcClient != nil && rpcClient.Connected() {
		hs.Network = NetworkHealth{
			Status:    StatusHealthy,
			Connected: true,
			Latency:   rpcClient.Latency(),
			LastPing:  rpcClient.LastPing(),
		}
		if rt := cfg.Monitoring.AlertThresholds.ResponseTime; rt != "" {
			if limit, err := time.ParseDuration(rt); err == nil && limit > 0 && hs.Network.Latency > limit {
				hs.Network.Status = StatusDegraded
			}
		}
	} else {
		hs.Network = NetworkHealth{Status: StatusUnhealthy}
	}

	if plugins != nil {
		for _, info := range plugins.Snapshot().Plugins {
			ch := ComponentHealth{Status: StatusUnhealthy, Detail: string(info.Status)}
			if info.Status == plugin.StatusLoaded {
				ch = ComponentHealth{Status: StatusHealthy}
			}
			if recorder != nil {
				if ps, ok := recorder.Plugin(info.Name); ok {
					ch.ErrorRate = 1 - ps.SuccessRate
					ch.ResponseTime = ps.AvgExecutionTime
				}
			}
			hs.Plugins[info.Name] = ch
		}
	}

	hs.Overall = aggregate(hs.Core, hs.Plugins, hs.Network)
	return hs
}

// PluginSnapshot exposes plugin statuses and capability routes.
func (m *Manager) PluginSnapshot() (plugin.ManagerSnapshot, error) {
	plugins, _, _, err := m.runtime()
	if err != nil {
		return plugin.ManagerSnapshot{}, err
	}
	return plugins.Snapshot(), nil
}

// BreakerSnapshot exposes the circuit-breaker registry state.
func (m *Manager) BreakerSnapshot() (breaker.Snapshot, error) {
	_, handler, _, err := m.runtime()
	if err != nil {
		return breaker.Snapshot{}, err
	}
	return handler.Breakers().Snapshot(), nil
}

// Plugins exposes the plugin manager for lifecycle calls (load/unload/
// reload, priorities).
func (m *Manager) Plugins() (*plugin.Manager, error) {
	plugins, _, _, err := m.runtime()
	return plugins, err
}

// LoadPlugin loads a configured plugin and returns its post-load view.
func (m *Manager) LoadPlugin(ctx context.Context, name string) (plugin.Info, error) {
	plugins, _, _, err := m.runtime()
	if err != nil {
		return plugin.Info{}, err
	}
	if err := plugins.Load(ctx, name); err != nil {
		return plugin.Info{}, err
	}
	info, _ := plugins.Describe(name)
	return info, nil
}

// UnloadPlugin tears a plugin down. Unloading an unloaded plugin is a no-op.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	plugins, _, _, err := m.runtime()
	if err != nil {
		return err
	}
	return plugins.Unload(ctx, name)
}

// ReloadPlugin unloads and loads a plugin in one step.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) error {
	plugins, _, _, err := m.runtime()
	if err != nil {
		return err
	}
	return plugins.Reload(ctx, name)
}

func (m *Manager) pluginPriority(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return 0
	}
	return m.cfg.Plugins[name].Priority
}

func (m *Manager) audit(ctx context.Context, e storage.AuditEntry) {
	if m.store == nil {
		return
	}
	e.At = time.Now()
	if err := m.store.AppendAudit(ctx, e); err != nil {
		m.log.Warn("audit append failed", logx.Err(err))
	}
}

// onBreakerTransition runs after each breaker state change: it publishes
// the event, maintains the open-circuit gauge and persists trip state.
// rec and openFor are captured at Initialize so the hook never touches
// m.mu or m.cfg (it can fire on any goroutine, concurrently with reloads).
func (m *Manager) onBreakerTransition(t breaker.Transition, rec *metrics.Recorder, openFor time.Duration) {
	switch {
	case t.To == breaker.Open:
		if t.From != breaker.Open {
			m.openCount.Add(1)
		}
		m.log.Warn("circuit opened", logx.String("key", t.Key))
		m.publish(eventbus.TypeBreakerOpened, map[string]any{"key": t.Key})
		if m.store != nil {
			until := t.At.Add(openFor)
			if err := m.store.PutTrip(context.Background(), t.Key, until); err != nil {
				m.log.Warn("persist breaker trip", logx.Err(err))
			}
		}
	case t.From == breaker.Open && t.To != breaker.Open:
		m.openCount.Add(-1)
		if t.To == breaker.Closed {
			m.log.Info("circuit closed", logx.String("key", t.Key))
			m.publish(eventbus.TypeBreakerClosed, map[string]any{"key": t.Key})
		}
		if m.store != nil {
			if err := m.store.ClearTrip(context.Background(), t.Key); err != nil {
				m.log.Warn("clear breaker trip", logx.Err(err))
			}
		}
	case t.From == breaker.HalfOpen && t.To == breaker.Closed:
		m.log.Info("circuit closed", logx.String("key", t.Key))
		m.publish(eventbus.TypeBreakerClosed, map[string]any{"key": t.Key})
	}

	rec.SetOpenBreakers(int(m.openCount.Load()))
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// healthTick is the periodic monitor: refresh the RPC probe, recompute
// health, and compare metrics against the alert thresholds. Breaches log a
// warning and publish an alert event; they never halt operation.
func (m *Manager) healthTick() {
	m.mu.Lock()
	rpcClient := m.rpcClient
	recorder := m.recorder
	cfg := m.cfg
	runCtx := m.runCtx
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized || runCtx == nil {
		return
	}

	if rpcClient != nil {
		pctx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		if err := rpcClient.Ping(pctx); err != nil {
			m.log.Warn("rpc health probe failed", logx.Err(err))
		}
		cancel()
	}

	hs := m.GetHealthStatus()
	m.log.Info("health check",
		logx.String("overall", hs.Overall),
		logx.Bool("network_connected", hs.Network.Connected),
		logx.Int("plugins", len(hs.Plugins)),
	)
	m.publish(eventbus.TypeHealthReport, hs)

	if recorder == nil {
		return
	}
	snap := recorder.Snapshot()
	th := cfg.Monitoring.AlertThresholds

	if th.ErrorRate > 0 && snap.Operations.Total > 0 {
		errRate := float64(snap.Operations.Failed) / float64(snap.Operations.Total)
		if errRate > th.ErrorRate {
			m.alert("error rate above threshold",
				logx.Float64("rate", errRate), logx.Float64("threshold", th.ErrorRate))
		}
	}
	if th.ResponseTime != "" {
		if limit, err := time.ParseDuration(th.ResponseTime); err == nil && limit > 0 &&
			snap.Operations.AvgExecutionTime > limit {
			m.alert("response time above threshold",
				logx.Duration("avg", snap.Operations.AvgExecutionTime),
				logx.Duration("threshold", limit))
		}
	}
	if th.MemoryUsageMB > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		usedMB := int(ms.HeapAlloc / (1 << 20))
		if usedMB > th.MemoryUsageMB {
			m.alert("memory usage above threshold",
				logx.Int("used_mb", usedMB), logx.Int("threshold_mb", th.MemoryUsageMB))
		}
	}
}

func (m *Manager) alert(msg string, fields ...logx.Field) {
	if !m.alertLimit.Allow() {
		return
	}
	m.log.Warn(msg, fields...)
	m.publish(eventbus.TypeAlert, msg)
}

func (m *Manager) drainTick() {
	m.mu.Lock()
	runCtx := m.runCtx
	handler := m.handler
	m.mu.Unlock()
	if runCtx == nil || handler == nil {
		return
	}
	res := handler.Queue().DrainAll(runCtx)
	if res.Attempted > 0 {
		m.log.Info("deferred queue drained",
			logx.Int("attempted", res.Attempted),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("requeued", res.Requeued),
			logx.Int("dropped", res.Dropped),
		)
	}
}

// reloadLoop applies config snapshots published by the config manager.
func (m *Manager) reloadLoop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		ch := m.cfgCh
		runCtx := m.runCtx
		m.mu.Unlock()
		if ch == nil || runCtx == nil {
			return
		}
		select {
		case <-runCtx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			m.applyConfig(runCtx, cfg)
		}
	}
}

// applyConfig reconciles a new config snapshot. Plugin enablement and
// priorities take effect immediately; breaker and backoff tuning require a
// restart and are logged when changed.
func (m *Manager) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	plugins := m.plugins
	m.mu.Unlock()

	if old != nil && old.ErrorHandling != cfg.ErrorHandling {
		m.log.Warn("error_handling changes require a restart to take effect")
	}
	if plugins != nil {
		plugins.ApplySettings(ctx, cfg)
	}
	m.log.Info("config reloaded")
}
