package failure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "agentcore/pkg/logx"
)

// Deferred is one queued operation awaiting a later re-attempt.
type Deferred struct {
	ID       string
	Run      func(ctx context.Context) error
	Context  CallContext
	QueuedAt time.Time
}

// DeferredQueue holds operations rejected by policy, grouped by operation key
// and ordered by descending priority (FIFO within equal priority).
//
// Draining is caller-driven: nothing inside this type re-attempts work on its
// own. The core manager may drive Drain on a timer when configured.
type DeferredQueue struct {
	log logx.Logger

	mu     sync.Mutex
	queues map[string][]*Deferred
}

func newDeferredQueue(log logx.Logger) *DeferredQueue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DeferredQueue{log: log, queues: map[string][]*Deferred{}}
}

// Enqueue appends op under cc's key and returns its assigned ID.
func (q *DeferredQueue) Enqueue(run func(ctx context.Context) error, cc CallContext) string {
	d := &Deferred{
		ID:       uuid.NewString(),
		Run:      run,
		Context:  cc,
		QueuedAt: time.Now(),
	}
	key := cc.Key()

	q.mu.Lock()
	q.queues[key] = append(q.queues[key], d)
	// Stable sort keeps FIFO order among equal priorities.
	sort.SliceStable(q.queues[key], func(i, j int) bool {
		return q.queues[key][i].Context.Priority > q.queues[key][j].Context.Priority
	})
	n := len(q.queues[key])
	q.mu.Unlock()

	q.log.Debug("operation queued for later",
		logx.String("key", key),
		logx.String("id", d.ID),
		logx.Int("pending", n),
	)
	return d.ID
}

// Pending returns the number of operations queued under key.
func (q *DeferredQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}

// Keys returns all keys with at least one pending operation.
func (q *DeferredQueue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.queues))
	for k, items := range q.queues {
		if len(items) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the total number of pending operations across all keys.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.queues {
		n += len(items)
	}
	return n
}

// DrainResult summarizes one Drain pass.
type DrainResult struct {
	Attempted int
	Succeeded int
	Requeued  int
	Dropped   int
}

type drainMarkerKey struct{}

// Draining reports whether ctx belongs to an in-progress Drain pass. Callers
// that queue failed operations for later must not queue again from inside a
// drain re-attempt; the queue itself decides between requeue and drop.
func Draining(ctx context.Context) bool {
	v, _ := ctx.Value(drainMarkerKey{}).(bool)
	return v
}

// Drain removes and re-executes everything queued under key, in priority
// order. Failures that classify as NetworkError or TimeoutError are re-queued
// (the condition may still be transient); any other failure is dropped.
// Cancellation of ctx stops the pass and re-queues the remainder untouched.
func (q *DeferredQueue) Drain(ctx context.Context, key string) DrainResult {
	ctx = context.WithValue(ctx, drainMarkerKey{}, true)

	q.mu.Lock()
	items := q.queues[key]
	delete(q.queues, key)
	q.mu.Unlock()

	var res DrainResult
	for i, d := range items {
		if ctx.Err() != nil {
			q.requeue(key, items[i:])
			res.Requeued += len(items[i:])
			break
		}

		res.Attempted++
		err := d.Run(ctx)
		if err == nil {
			res.Succeeded++
			continue
		}

		switch Classify(err) {
		case KindNetworkError, KindTimeoutError:
			q.requeue(key, []*Deferred{d})
			res.Requeued++
		default:
			res.Dropped++
			q.log.Warn("deferred operation dropped",
				logx.String("key", key),
				logx.String("id", d.ID),
				logx.Err(err),
			)
		}
	}

	if res.Attempted > 0 {
		q.log.Debug("deferred queue drained",
			logx.String("key", key),
			logx.Int("attempted", res.Attempted),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("requeued", res.Requeued),
			logx.Int("dropped", res.Dropped),
		)
	}
	return res
}

// DrainAll drains every pending key and merges the results.
func (q *DeferredQueue) DrainAll(ctx context.Context) DrainResult {
	var total DrainResult
	for _, key := range q.Keys() {
		r := q.Drain(ctx, key)
		total.Attempted += r.Attempted
		total.Succeeded += r.Succeeded
		total.Requeued += r.Requeued
		total.Dropped += r.Dropped
	}
	return total
}

func (q *DeferredQueue) requeue(key string, items []*Deferred) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.queues[key] = append(q.queues[key], items...)
	sort.SliceStable(q.queues[key], func(i, j int) bool {
		return q.queues[key][i].Context.Priority > q.queues[key][j].Context.Priority
	})
	q.mu.Unlock()
}
