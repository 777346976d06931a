package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypePluginLoaded, Data: "token"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypePluginLoaded || e.Data != "token" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: Time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeOperationDone})
	b.Publish(Event{Type: TypeOperationFailed}) // buffer full, dropped
	b.Publish(Event{Type: TypeAlert})           // still full, dropped

	if e := <-ch; e.Type != TypeOperationDone {
		t.Fatalf("got %q, want first event kept", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: TypeHealthReport})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
