package failure

import (
	"context"
	"errors"
	"testing"

	logx "agentcore/pkg/logx"
)

func TestEnqueueOrdersByPriority(t *testing.T) {
	t.Parallel()
	q := newDeferredQueue(logx.Nop())

	var order []int
	mk := func(n int) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			order = append(order, n)
			return nil
		}
	}

	q.Enqueue(mk(1), CallContext{Operation: "swap", Plugin: "jupiter", Priority: 1})
	q.Enqueue(mk(3), CallContext{Operation: "swap", Plugin: "jupiter", Priority: 3})
	q.Enqueue(mk(2), CallContext{Operation: "swap", Plugin: "jupiter", Priority: 2})

	res := q.Drain(context.Background(), "swap_jupiter")
	if res.Attempted != 3 || res.Succeeded != 3 {
		t.Fatalf("result = %+v, want 3 attempted 3 succeeded", res)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("drain order = %v, want [3 2 1]", order)
	}
}

func TestDrainRequeuesTransientFailures(t *testing.T) {
	t.Parallel()
	q := newDeferredQueue(logx.Nop())

	q.Enqueue(func(ctx context.Context) error { return errors.New("network down") },
		CallContext{Operation: "transfer", Plugin: "token"})
	q.Enqueue(func(ctx context.Context) error { return errors.New("invalid parameter") },
		CallContext{Operation: "transfer", Plugin: "token"})
	q.Enqueue(func(ctx context.Context) error { return nil },
		CallContext{Operation: "transfer", Plugin: "token"})

	res := q.Drain(context.Background(), "transfer_token")
	if res.Attempted != 3 {
		t.Fatalf("attempted = %d, want 3", res.Attempted)
	}
	if res.Succeeded != 1 || res.Requeued != 1 || res.Dropped != 1 {
		t.Fatalf("result = %+v, want 1/1/1 succeeded/requeued/dropped", res)
	}
	// The network failure stays pending for a future drain.
	if got := q.Pending("transfer_token"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestDrainCancelledRequeuesRemainder(t *testing.T) {
	t.Parallel()
	q := newDeferredQueue(logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	q.Enqueue(func(ctx context.Context) error {
		cancel() // cancel mid-drain; the second item must not run
		return nil
	}, CallContext{Operation: "lend", Plugin: "defi", Priority: 2})
	ran := false
	q.Enqueue(func(ctx context.Context) error {
		ran = true
		return nil
	}, CallContext{Operation: "lend", Plugin: "defi", Priority: 1})

	res := q.Drain(ctx, "lend_defi")
	if ran {
		t.Fatal("second item ran after cancellation")
	}
	if res.Attempted != 1 || res.Requeued != 1 {
		t.Fatalf("result = %+v, want attempted 1 requeued 1", res)
	}
	if got := q.Pending("lend_defi"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestQueueKeysAndLen(t *testing.T) {
	t.Parallel()
	q := newDeferredQueue(logx.Nop())

	nop := func(ctx context.Context) error { return nil }
	q.Enqueue(nop, CallContext{Operation: "swap", Plugin: "jupiter"})
	q.Enqueue(nop, CallContext{Operation: "transfer", Plugin: "token"})
	q.Enqueue(nop, CallContext{Operation: "transfer", Plugin: "token"})

	keys := q.Keys()
	if len(keys) != 2 || keys[0] != "swap_jupiter" || keys[1] != "transfer_token" {
		t.Fatalf("keys = %v", keys)
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}

	q.DrainAll(context.Background())
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d, want 0", q.Len())
	}
}

func TestDrainMarksContext(t *testing.T) {
	t.Parallel()
	q := newDeferredQueue(logx.Nop())

	if Draining(context.Background()) {
		t.Fatal("plain context reported as draining")
	}

	var seen bool
	q.Enqueue(func(ctx context.Context) error {
		seen = Draining(ctx)
		return nil
	}, CallContext{Operation: "swap", Plugin: "jupiter"})

	res := q.Drain(context.Background(), "swap_jupiter")
	if res.Succeeded != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !seen {
		t.Fatal("drain re-attempt ran with an unmarked context")
	}
}
