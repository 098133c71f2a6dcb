package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe("session.state")
	b.Publish("session.state", "connected")

	select {
	case msg := <-sub:
		if msg != "connected" {
			t.Fatalf("unexpected message %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestTryPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewWithCapacity(nil, 1)
	defer b.Close()

	sub := b.Subscribe("video.in")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.TryPublish("video.in", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("TryPublish blocked on a slow subscriber")
	}

	select {
	case msg := <-sub:
		if msg != 0 {
			t.Fatalf("expected first message to be kept, got %v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestUnsubscribeAllTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe("command.out")
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatalf("expected closed subscription")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription was not closed")
	}
}
