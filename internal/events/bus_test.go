package events

import "testing"

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: KindConnectionState, Data: ConnectionState{State: "connected"}})

	ev := <-sub.Events()
	if ev.Kind != KindConnectionState {
		t.Fatalf("got kind %v, want %v", ev.Kind, KindConnectionState)
	}
	cs, ok := ev.Data.(ConnectionState)
	if !ok {
		t.Fatalf("data type %T, want ConnectionState", ev.Data)
	}
	if cs.State != "connected" {
		t.Fatalf("state %q, want %q", cs.State, "connected")
	}
}

func TestBus_FanOutToMultipleSubscribers(t *testing.T) {
	b := NewBus(nil)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish(Event{Kind: KindPeerAddress, Data: "alice"})

	for _, sub := range []*Subscription{sub1, sub2} {
		ev := <-sub.Events()
		if ev.Data != "alice" {
			t.Fatalf("got data %v, want alice", ev.Data)
		}
	}
}

func TestBus_FullQueueDropsRatherThanBlocks(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < subscriberBacklog+10; i++ {
		b.Publish(Event{Kind: KindTransferUpdate})
	}
	// Must not have blocked; drain what's there.
	drained := 0
	for {
		select {
		case <-sub.Events():
			drained++
		default:
			if drained == 0 {
				t.Fatalf("expected at least some buffered events")
			}
			return
		}
	}
}

func TestSubscription_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	if ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}
