package bus

import (
	"testing"
	"time"

	"github.com/petal-labs/petalboard"
)

func recvUpdate(t *testing.T, sub Subscription) petalboard.Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return petalboard.Update{}
}

func TestMemBusRoutesByRunID(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	subA := b.Subscribe("run-a")
	defer subA.Close()
	subB := b.Subscribe("run-b")
	defer subB.Close()

	b.Publish(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-a", Seq: 1})

	got := recvUpdate(t, subA)
	if got.RunID != "run-a" || got.Seq != 1 {
		t.Errorf("update = %+v, want run-a seq 1", got)
	}

	select {
	case u := <-subB.Updates():
		t.Errorf("run-b subscriber received %+v", u)
	default:
	}
}

func TestMemBusGlobalSubscriber(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(petalboard.Update{Kind: petalboard.UpdateRunStarted, RunID: "run-a", Seq: 1})
	b.Publish(petalboard.Update{Kind: petalboard.UpdateRunFinished, RunID: "run-b", Seq: 1})

	first := recvUpdate(t, sub)
	second := recvUpdate(t, sub)
	if first.RunID != "run-a" || second.RunID != "run-b" {
		t.Errorf("global subscriber got %q then %q", first.RunID, second.RunID)
	}
}

func TestMemBusDropsWhenBufferFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.Subscribe("run-a")
	defer sub.Close()

	b.Publish(petalboard.Update{RunID: "run-a", Seq: 1})
	b.Publish(petalboard.Update{RunID: "run-a", Seq: 2}) // dropped

	got := recvUpdate(t, sub)
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1", got.Seq)
	}
	select {
	case u := <-sub.Updates():
		t.Errorf("unexpected second update %+v", u)
	default:
	}
}

func TestMemBusPublishAfterCloseIsDropped(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("run-a")

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b.Publish(petalboard.Update{RunID: "run-a", Seq: 1})

	if _, ok := <-sub.Updates(); ok {
		t.Error("channel should be closed with no updates")
	}
}

func TestMemBusSubscriptionDoubleClose(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("run-a")
	if err := sub.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Publishing to a closed subscription must not panic.
	b.Publish(petalboard.Update{RunID: "run-a", Seq: 1})
}
