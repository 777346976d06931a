// Package metrics aggregates rolling operation metrics at two levels: global
// totals and per-plugin stats. Averages are running weighted averages over the
// whole process lifetime, not fixed windows.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GlobalSnapshot is the cross-plugin operation totals view. Rejected counts
// breaker short-circuits; those never reach a plugin and are kept out of
// Total, Failed and the execution-time average.
type GlobalSnapshot struct {
	Total            uint64        `json:"total"`
	Successful       uint64        `json:"successful"`
	Failed           uint64        `json:"failed"`
	Rejected         uint64        `json:"rejected"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
}

// PluginSnapshot is the per-plugin view.
type PluginSnapshot struct {
	OperationCount   uint64        `json:"operation_count"`
	ErrorCount       uint64        `json:"error_count"`
	RejectedCount    uint64        `json:"rejected_count"`
	SuccessRate      float64       `json:"success_rate"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	LastUsed         time.Time     `json:"last_used"`
}

type Snapshot struct {
	Operations GlobalSnapshot            `json:"operations"`
	Plugins    map[string]PluginSnapshot `json:"plugins"`
}

type pluginStats struct {
	count    uint64
	errors   uint64
	rejected uint64
	avgNanos float64
	lastUsed time.Time
}

// Recorder owns all mutable metric state. Updates happen transactionally
// under one mutex so global and per-plugin views never diverge.
type Recorder struct {
	mu        sync.Mutex
	total     uint64
	success   uint64
	failed    uint64
	rejected  uint64
	avgNanos  float64
	perPlugin map[string]*pluginStats

	prom *promSet
}

type Option func(*Recorder)

// WithPrometheus mirrors every recorded outcome into Prometheus collectors
// registered on reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(r *Recorder) { r.prom = newPromSet(reg) }
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{perPlugin: map[string]*pluginStats{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record registers one completed operation attempt, success or failure.
func (r *Recorder) Record(plugin string, success bool, took time.Duration) {
	now := time.Now()

	r.mu.Lock()
	r.total++
	if success {
		r.success++
	} else {
		r.failed++
	}
	r.avgNanos += (float64(took) - r.avgNanos) / float64(r.total)

	ps := r.perPlugin[plugin]
	if ps == nil {
		ps = &pluginStats{}
		r.perPlugin[plugin] = ps
	}
	ps.count++
	if !success {
		ps.errors++
	}
	ps.avgNanos += (float64(took) - ps.avgNanos) / float64(ps.count)
	ps.lastUsed = now
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.observe(plugin, success, took)
	}
}

// RecordRejection registers one breaker short-circuit. Rejections are not
// completed attempts: they bump only the rejected counters and leave the
// totals and averages alone.
func (r *Recorder) RecordRejection(plugin string) {
	r.mu.Lock()
	r.rejected++
	ps := r.perPlugin[plugin]
	if ps == nil {
		ps = &pluginStats{}
		r.perPlugin[plugin] = ps
	}
	ps.rejected++
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.rejectedTotal.WithLabelValues(plugin).Inc()
	}
}

// SetOpenBreakers exports the current open-breaker count (Prometheus only).
func (r *Recorder) SetOpenBreakers(n int) {
	if r.prom != nil {
		r.prom.breakersOpen.Set(float64(n))
	}
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Snapshot{
		Operations: GlobalSnapshot{
			Total:            r.total,
			Successful:       r.success,
			Failed:           r.failed,
			Rejected:         r.rejected,
			AvgExecutionTime: time.Duration(r.avgNanos),
		},
		Plugins: make(map[string]PluginSnapshot, len(r.perPlugin)),
	}
	for name, ps := range r.perPlugin {
		out.Plugins[name] = snapshotOf(ps)
	}
	return out
}

// Plugin returns the snapshot for one plugin; ok is false if the plugin has
// never recorded an operation.
func (r *Recorder) Plugin(name string) (PluginSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.perPlugin[name]
	if ps == nil {
		return PluginSnapshot{}, false
	}
	return snapshotOf(ps), true
}

func snapshotOf(ps *pluginStats) PluginSnapshot {
	rate := 1.0
	if ps.count > 0 {
		rate = float64(ps.count-ps.errors) / float64(ps.count)
	}
	return PluginSnapshot{
		OperationCount:   ps.count,
		ErrorCount:       ps.errors,
		RejectedCount:    ps.rejected,
		SuccessRate:      rate,
		AvgExecutionTime: time.Duration(ps.avgNanos),
		LastUsed:         ps.lastUsed,
	}
}

// ---- Prometheus mirror ----

type promSet struct {
	opsTotal      *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
	execSeconds   *prometheus.HistogramVec
	breakersOpen  prometheus.Gauge
}

func newPromSet(reg prometheus.Registerer) *promSet {
	p := &promSet{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "operations_total",
			Help:      "Completed plugin operation attempts.",
		}, []string{"plugin", "result"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "operations_rejected_total",
			Help:      "Operation attempts rejected by an open circuit breaker.",
		}, []string{"plugin"}),
		execSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentcore",
			Name:      "operation_duration_seconds",
			Help:      "Plugin operation execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"plugin"}),
		breakersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Name:      "circuit_breakers_open",
			Help:      "Circuit breakers currently open.",
		}),
	}
	reg.MustRegister(p.opsTotal, p.rejectedTotal, p.execSeconds, p.breakersOpen)
	return p
}

func (p *promSet) observe(plugin string, success bool, took time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.opsTotal.WithLabelValues(plugin, result).Inc()
	p.execSeconds.WithLabelValues(plugin).Observe(took.Seconds())
}
