package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"agentcore/internal/config"
	"agentcore/internal/failure"
	"agentcore/internal/plugin"
)

type scriptedPlugin struct {
	mu        sync.Mutex
	calls     int
	fail      error
	failTimes int // when >0, fail only that many calls
	caps      []string
}

func (p *scriptedPlugin) Name() string           { return "scripted" }
func (p *scriptedPlugin) Capabilities() []string { return p.caps }

func (p *scriptedPlugin) Init(ctx context.Context, deps plugin.Deps) error { return nil }
func (p *scriptedPlugin) Close(ctx context.Context) error                  { return nil }

func (p *scriptedPlugin) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		if p.failTimes == 0 {
			return nil, p.fail
		}
		if p.failTimes > 0 {
			p.failTimes--
			if p.failTimes == 0 {
				err := p.fail
				p.fail = nil
				return nil, err
			}
			return nil, p.fail
		}
	}
	return map[string]any{"ok": true}, nil
}

func (p *scriptedPlugin) setFailure(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *scriptedPlugin) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var testPluginSeq int

func registerScripted(t *testing.T, p *scriptedPlugin) string {
	t.Helper()
	testPluginSeq++
	name := fmt.Sprintf("scripted-%d", testPluginSeq)
	plugin.Register(name, func() plugin.Plugin { return p })
	return name
}

func fakeRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"ok","id":1}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(rpcURL string, plugins map[string]config.PluginSettings) *config.Config {
	return &config.Config{
		Enabled: true,
		Core: config.CoreConfig{
			RPCURL:     rpcURL,
			Network:    "devnet",
			Commitment: "confirmed",
		},
		Plugins: plugins,
		Monitoring: config.MonitoringConfig{
			HealthCheckInterval: "0s",
		},
		ErrorHandling: config.ErrorHandlingConfig{
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 2,
				OpenDuration:     "1m",
				HalfOpenMaxCalls: 1,
			},
		},
	}
}

func newTestManager(t *testing.T, p *scriptedPlugin) (*Manager, string) {
	t.Helper()
	name := registerScripted(t, p)
	ts := fakeRPCServer(t)
	m := New(testConfig(ts.URL, map[string]config.PluginSettings{
		name: {Enabled: true, Priority: 10},
	}))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, name
}

func TestInitializeFailsFastOnUnreachableRPC(t *testing.T) {
	m := New(testConfig("http://192.0.2.1:1", nil))
	err := m.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected fail-fast error for unreachable rpc")
	}
}

func TestInitializeRefusesDisabledConfig(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8899", nil)
	cfg.Enabled = false
	m := New(cfg)
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected error when layer is disabled")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	m, _ := newTestManager(t, &scriptedPlugin{caps: []string{"get_quote"}})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
}

func TestExecuteOperationSuccess(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"get_quote"}}
	m, name := newTestManager(t, p)

	res, d, err := m.ExecuteOperation(context.Background(), name, "get_quote", map[string]any{
		"input_mint": "a", "output_mint": "b",
	})
	if err != nil {
		t.Fatalf("ExecuteOperation: %v", err)
	}
	if d != nil {
		t.Fatalf("decision on success = %+v, want nil", d)
	}
	if !res.Success || res.PluginUsed != name {
		t.Fatalf("result = %+v", res)
	}

	snap, err := m.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if snap.Operations.Total != 1 || snap.Operations.Successful != 1 {
		t.Fatalf("metrics = %+v", snap.Operations)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"swap"}}
	m, name := newTestManager(t, p)
	p.setFailure(errors.New("connection refused by upstream"))

	ctx := context.Background()
	params := map[string]any{"input_mint": "a", "output_mint": "b", "amount": 1.0}

	// Threshold is 2: both failures reach the plugin.
	for i := 0; i < 2; i++ {
		_, d, err := m.ExecuteOperation(ctx, name, "swap", params)
		if err == nil {
			t.Fatalf("attempt %d: expected failure", i+1)
		}
		if d == nil || d.Type != failure.KindNetworkError {
			t.Fatalf("attempt %d decision = %+v", i+1, d)
		}
	}
	if p.callCount() != 2 {
		t.Fatalf("plugin calls = %d, want 2", p.callCount())
	}

	// Open circuit: rejected before the plugin, fixed legacy-path decision.
	_, d, err := m.ExecuteOperation(ctx, name, "swap", params)
	if !errors.Is(err, failure.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if d == nil || !d.CircuitOpen || d.Retry ||
		d.Fallback != failure.UseLegacyPath || d.Recovery != failure.RestartPlugin {
		t.Fatalf("short-circuit decision = %+v", d)
	}
	if p.callCount() != 2 {
		t.Fatalf("plugin reached while circuit open: calls = %d", p.callCount())
	}

	bs, err := m.BreakerSnapshot()
	if err != nil {
		t.Fatalf("BreakerSnapshot: %v", err)
	}
	if bs.Open != 1 {
		t.Fatalf("open breakers = %d, want 1", bs.Open)
	}
}

func TestQueueForLaterAndDrain(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"swap"}}
	m, name := newTestManager(t, p)
	p.setFailure(errors.New("market closed for maintenance"))

	ctx := context.Background()
	params := map[string]any{"input_mint": "a", "output_mint": "b", "amount": 2.0}

	_, d, err := m.ExecuteOperation(ctx, name, "swap", params)
	if err == nil {
		t.Fatal("expected failure")
	}
	if d.Type != failure.KindMarketClosed || d.Fallback != failure.QueueForLater || d.Retry {
		t.Fatalf("decision = %+v", d)
	}

	// The operation must now sit on the deferred queue; once the market
	// reopens, a drain pass replays it successfully.
	p.setFailure(nil)
	res, err := m.DrainDeferred(ctx)
	if err != nil {
		t.Fatalf("DrainDeferred: %v", err)
	}
	if res.Attempted != 1 || res.Succeeded != 1 {
		t.Fatalf("drain result = %+v", res)
	}
}

func TestExecuteOperationWithRetryRecovers(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"get_quote"}}
	m, name := newTestManager(t, p)

	// First attempt times out, the retry succeeds.
	p.mu.Lock()
	p.fail = errors.New("request timeout talking to upstream")
	p.failTimes = 1
	p.mu.Unlock()

	res, err := m.ExecuteOperationWithRetry(context.Background(), name, "get_quote", map[string]any{
		"input_mint": "a", "output_mint": "b",
	})
	if err != nil {
		t.Fatalf("ExecuteOperationWithRetry: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
}

func TestShutdownIdempotentAndGates(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"get_quote"}}
	m, name := newTestManager(t, p)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	_, _, err := m.ExecuteOperation(context.Background(), name, "get_quote", map[string]any{
		"input_mint": "a", "output_mint": "b",
	})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestHealthStatusAggregation(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"get_quote"}}
	m, name := newTestManager(t, p)

	hs := m.GetHealthStatus()
	if hs.Overall != StatusHealthy {
		t.Fatalf("overall = %q, want healthy", hs.Overall)
	}
	if !hs.Network.Connected || hs.Core.Status != StatusHealthy {
		t.Fatalf("health = %+v", hs)
	}

	// With the only plugin unloaded, more than half are unhealthy.
	plugins, err := m.Plugins()
	if err != nil {
		t.Fatalf("Plugins: %v", err)
	}
	if err := plugins.Unload(context.Background(), name); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	hs = m.GetHealthStatus()
	if hs.Overall != StatusUnhealthy {
		t.Fatalf("overall after unload = %q, want unhealthy", hs.Overall)
	}
}

func TestAgentInstances(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"get_quote"}}
	m, _ := newTestManager(t, p)

	inst, err := m.CreateAgentInstance(AgentConfig{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("CreateAgentInstance: %v", err)
	}
	if inst.Conn() == nil {
		t.Fatal("agent must be bound to the shared connection")
	}
	if _, err := m.CreateAgentInstance(AgentConfig{AgentID: "agent-1"}); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("duplicate create err = %v", err)
	}
	got, err := m.GetAgentInstance("agent-1")
	if err != nil || got.ID != "agent-1" {
		t.Fatalf("GetAgentInstance = %+v, %v", got, err)
	}
	m.RemoveAgentInstance("agent-1")
	if _, err := m.GetAgentInstance("agent-1"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("after remove err = %v", err)
	}
	m.RemoveAgentInstance("agent-1")
}

func TestAggregateRule(t *testing.T) {
	t.Parallel()
	healthyNet := NetworkHealth{Status: StatusHealthy, Connected: true}
	healthyCore := ComponentHealth{Status: StatusHealthy}

	cases := []struct {
		name    string
		core    ComponentHealth
		plugins map[string]ComponentHealth
		network NetworkHealth
		want    string
	}{
		{"all healthy", healthyCore, map[string]ComponentHealth{
			"a": {Status: StatusHealthy}, "b": {Status: StatusHealthy},
		}, healthyNet, StatusHealthy},
		{"core down", ComponentHealth{Status: StatusUnhealthy}, nil, healthyNet, StatusUnhealthy},
		{"network down", healthyCore, nil, NetworkHealth{Status: StatusUnhealthy}, StatusUnhealthy},
		{"majority of plugins down", healthyCore, map[string]ComponentHealth{
			"a": {Status: StatusUnhealthy}, "b": {Status: StatusUnhealthy}, "c": {Status: StatusHealthy},
		}, healthyNet, StatusUnhealthy},
		{"minority of plugins down", healthyCore, map[string]ComponentHealth{
			"a": {Status: StatusUnhealthy}, "b": {Status: StatusHealthy},
			"c": {Status: StatusHealthy}, "d": {Status: StatusHealthy},
		}, healthyNet, StatusDegraded},
		{"degraded network", healthyCore, map[string]ComponentHealth{
			"a": {Status: StatusHealthy},
		}, NetworkHealth{Status: StatusDegraded, Connected: true}, StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := aggregate(tc.core, tc.plugins, tc.network); got != tc.want {
				t.Fatalf("aggregate = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPluginLifecycleThroughCore(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"swap"}}
	m, name := newTestManager(t, p)
	ctx := context.Background()

	if err := m.UnloadPlugin(ctx, name); err != nil {
		t.Fatalf("UnloadPlugin: %v", err)
	}
	if err := m.UnloadPlugin(ctx, name); err != nil {
		t.Fatalf("UnloadPlugin again: %v", err)
	}

	info, err := m.LoadPlugin(ctx, name)
	if err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}
	if info.Name != name || info.Status != plugin.StatusLoaded {
		t.Fatalf("info = %+v", info)
	}
	if len(info.Capabilities) != 1 || info.Capabilities[0] != "swap" {
		t.Fatalf("capabilities = %v", info.Capabilities)
	}

	if err := m.ReloadPlugin(ctx, name); err != nil {
		t.Fatalf("ReloadPlugin: %v", err)
	}
	if _, err := m.LoadPlugin(ctx, "no-such-plugin"); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}

func TestExecuteOperationDuringConfigReload(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"get_quote"}}
	name := registerScripted(t, p)
	ts := fakeRPCServer(t)

	base := testConfig(ts.URL, map[string]config.PluginSettings{
		name: {Enabled: true, Priority: 10},
	})
	m := New(base)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	next := testConfig(ts.URL, map[string]config.PluginSettings{
		name: {Enabled: true, Priority: 20},
	})
	next.Integration.Timeout = "10s"

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				m.applyConfig(ctx, next)
			} else {
				m.applyConfig(ctx, base)
			}
		}
	}()

	params := map[string]any{"input_mint": "a", "output_mint": "b"}
	for i := 0; i < 200; i++ {
		if _, _, err := m.ExecuteOperation(ctx, name, "get_quote", params); err != nil {
			t.Fatalf("ExecuteOperation during reload: %v", err)
		}
	}
	<-done
}

func TestRejectedCallsKeptOutOfAttemptMetrics(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"swap"}}
	m, name := newTestManager(t, p)
	p.setFailure(errors.New("connection refused by upstream"))

	ctx := context.Background()
	params := map[string]any{"input_mint": "a", "output_mint": "b", "amount": 1.0}
	for i := 0; i < 2; i++ {
		_, _, _ = m.ExecuteOperation(ctx, name, "swap", params)
	}
	// Circuit is open now; this one is rejected short of the plugin.
	if _, _, err := m.ExecuteOperation(ctx, name, "swap", params); !errors.Is(err, failure.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	snap, err := m.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	ops := snap.Operations
	if ops.Total != 2 || ops.Failed != 2 {
		t.Fatalf("completed attempts = %d/%d failed, want 2/2", ops.Total, ops.Failed)
	}
	if ops.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", ops.Rejected)
	}
	ps := snap.Plugins[name]
	if ps.OperationCount != 2 || ps.RejectedCount != 1 {
		t.Fatalf("plugin stats = %+v", ps)
	}
}

func TestDrainDropDoesNotRequeue(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"swap"}}
	m, name := newTestManager(t, p)
	p.setFailure(errors.New("market closed for maintenance"))

	ctx := context.Background()
	params := map[string]any{"input_mint": "a", "output_mint": "b", "amount": 2.0}
	if _, _, err := m.ExecuteOperation(ctx, name, "swap", params); err == nil {
		t.Fatal("expected failure")
	}

	_, handler, _, err := m.runtime()
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if n := handler.Queue().Len(); n != 1 {
		t.Fatalf("queued = %d, want 1", n)
	}

	// Still failing with a non-transient kind: the drain pass drops the
	// item for good instead of silently putting a fresh copy back.
	res, err := m.DrainDeferred(ctx)
	if err != nil {
		t.Fatalf("DrainDeferred: %v", err)
	}
	if res.Attempted != 1 || res.Dropped != 1 || res.Succeeded != 0 {
		t.Fatalf("drain result = %+v", res)
	}
	if n := handler.Queue().Len(); n != 0 {
		t.Fatalf("queue holds %d items after drop", n)
	}
}

func TestShutdownClosesAgentConnections(t *testing.T) {
	p := &scriptedPlugin{caps: []string{"swap"}}
	m, _ := newTestManager(t, p)
	ts := fakeRPCServer(t)

	inst, err := m.CreateAgentInstance(AgentConfig{AgentID: "bot-1", RPCURL: ts.URL})
	if err != nil {
		t.Fatalf("CreateAgentInstance: %v", err)
	}
	if err := inst.Conn().Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !inst.Conn().Connected() {
		t.Fatal("agent conn should be connected after ping")
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if inst.Conn().Connected() {
		t.Fatal("agent conn left open after shutdown")
	}
}
