package events

import (
	"testing"
	"time"
)

func TestPublishReachesPoolAndWildcardSubscribers(t *testing.T) {
	hub := NewHub()

	poolSub, _, err := hub.Subscribe("genesis")
	if err != nil {
		t.Fatalf("subscribe pool: %v", err)
	}
	defer poolSub.Close()
	allSub, _, err := hub.Subscribe(AllPools)
	if err != nil {
		t.Fatalf("subscribe all: %v", err)
	}
	defer allSub.Close()

	hub.Publish(IntentTransitioned{IntentID: "1", PoolRef: "genesis", From: "paid", To: "activated"})

	for name, sub := range map[string]*Subscription{"pool": poolSub, "all": allSub} {
		select {
		case evt := <-sub.Events():
			if evt.IntentID != "1" || evt.To != "activated" {
				t.Fatalf("%s: unexpected event %+v", name, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: event not delivered", name)
		}
	}
}

func TestSubscribeReturnsBufferedEvents(t *testing.T) {
	hub := NewHub()
	first, _, err := hub.Subscribe("genesis")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer first.Close()

	hub.Publish(IntentTransitioned{IntentID: "1", PoolRef: "genesis", To: "paid"})
	hub.Publish(IntentTransitioned{IntentID: "2", PoolRef: "other", To: "paid"})

	second, buffered, err := hub.Subscribe("genesis")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer second.Close()
	if len(buffered) != 1 || buffered[0].IntentID != "1" {
		t.Fatalf("expected one buffered genesis event, got %+v", buffered)
	}
}

func TestCloseReleasesStream(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("genesis")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.streams) != 0 {
		t.Fatalf("expected streams to be released, got %d", len(hub.streams))
	}
}

func TestSubscribeRejectsEmptyTopic(t *testing.T) {
	if _, _, err := NewHub().Subscribe("  "); err != ErrInvalidTopic {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
	var hub *Hub
	hub.Publish(IntentTransitioned{PoolRef: "x"})
}
