package events_test

import (
	"testing"

	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/model"
)

func ev(runtime, kind string) model.RuntimeEvent {
	return model.RuntimeEvent{ID: model.NewID(), Runtime: runtime, Kind: kind}
}

func drain(ch <-chan model.RuntimeEvent) []string {
	var kinds []string
	for e := range ch {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("rt")
	defer unsub()

	want := []string{model.EventRestartStarted, model.EventRestartCompleted}
	for _, k := range want {
		b.Publish(ev("rt", k))
	}
	b.Close("rt")

	got := drain(ch)
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBrokerRuntimeIsolation(t *testing.T) {
	b := events.NewBroker()
	a, unsubA := b.Subscribe("a")
	defer unsubA()
	other, unsubOther := b.Subscribe("b")
	defer unsubOther()

	b.Publish(ev("a", model.EventCreated))
	b.Close("a")
	b.Close("b")

	if got := drain(a); len(got) != 1 {
		t.Errorf("subscriber a got %v, want one event", got)
	}
	if got := drain(other); len(got) != 0 {
		t.Errorf("subscriber b got %v, want none", got)
	}
}

func TestBrokerAllReceivesEveryRuntime(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe(events.All)

	b.Publish(ev("a", model.EventCreated))
	b.Publish(ev("b", model.EventCreated))
	b.Close("a")

	// Closing one runtime leaves the wildcard stream open.
	b.Publish(ev("c", model.EventCreated))
	unsub()

	if got := drain(ch); len(got) != 3 {
		t.Errorf("wildcard subscriber got %d events, want 3", len(got))
	}
}

func TestBrokerCloseForgetsTopic(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("rt")
	defer unsub()

	b.Close("rt")
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close()")
	}
	if n := b.Subscribers("rt"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}

	// A runtime recreated under the same key streams again.
	ch2, unsub2 := b.Subscribe("rt")
	b.Publish(ev("rt", model.EventCreated))
	unsub2()
	if got := drain(ch2); len(got) != 1 {
		t.Errorf("resubscriber got %v, want one event", got)
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("rt")
	unsub()
	unsub()

	b.Publish(ev("rt", model.EventCreated))

	if got := drain(ch); len(got) != 0 {
		t.Errorf("got %v after unsubscribe", got)
	}
	if n := b.Subscribers("rt"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestBrokerSlowSubscriberDrops(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("rt")

	for range 200 {
		b.Publish(ev("rt", model.EventDependentFailed))
	}
	unsub()

	got := drain(ch)
	if len(got) == 0 || len(got) >= 200 {
		t.Errorf("got %d events, want a full buffer with drops", len(got))
	}
}

func TestBrokerShutdown(t *testing.T) {
	b := events.NewBroker()
	a, _ := b.Subscribe("a")
	all, _ := b.Subscribe(events.All)

	b.Shutdown()

	if _, ok := <-a; ok {
		t.Error("runtime subscriber should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("wildcard subscriber should be closed")
	}

	late, unsub := b.Subscribe("a")
	defer unsub()
	if _, ok := <-late; ok {
		t.Error("subscribe after shutdown should return a closed channel")
	}
	b.Publish(ev("a", model.EventCreated))
}

func TestBrokerPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := events.NewBroker()
	b.Publish(ev("nobody", model.EventCreated))
	b.Close("nobody")
	b.Close(events.All)
}
