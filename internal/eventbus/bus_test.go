package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Topic: TopicMailStored, Data: MailStored{Recipient: "samus", MessageID: "m1"}})

	select {
	case e := <-ch:
		if e.Topic != TopicMailStored {
			t.Fatalf("topic = %q, want %q", e.Topic, TopicMailStored)
		}
		if e.At.IsZero() {
			t.Fatal("event time not stamped")
		}
		got, ok := e.Data.(MailStored)
		if !ok || got.Recipient != "samus" {
			t.Fatalf("data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()

	// Subscriber with a full buffer and nobody reading.
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Topic: TopicWatchStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	go func() {
		<-ch
		unsub()
	}()

	for i := 0; i < 50; i++ {
		b.Publish(Event{Topic: TopicWatchStopped})
	}
	// Double unsubscribe must be safe.
	unsub()
}
