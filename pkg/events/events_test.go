package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&Event{Type: EventPeerDiscovered, NodeID: "peer-1"})

	for _, sub := range []Subscriber{s1, s2} {
		ev := recv(t, sub)
		if ev.Type != EventPeerDiscovered || ev.NodeID != "peer-1" {
			t.Fatalf("got %s/%s", ev.Type, ev.NodeID)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped on publish")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}
	b.Unsubscribe(sub)
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", got)
	}
	if _, open := <-sub; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	fast := b.Subscribe()

	// Well past the per-subscriber buffer.
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventChangeCaptured})
	}

	// The fast subscriber still sees events; the slow one just drops the
	// overflow.
	recv(t, fast)
	if len(slow) == 0 {
		t.Fatal("slow subscriber buffer unexpectedly empty")
	}
}

func TestPublishBeforeStartBuffers(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	// Components publish during assembly, before the daemon starts the
	// broker. Those events must not be lost or deadlock the publisher.
	b.Publish(&Event{Type: EventChangeCaptured, Message: "early"})

	b.Start()
	defer b.Stop()

	ev := recv(t, sub)
	if ev.Message != "early" {
		t.Fatalf("Message = %q, want %q", ev.Message, "early")
	}
}

func TestPublishAfterStopReturns(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		b.Publish(&Event{Type: EventSyncFailed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
