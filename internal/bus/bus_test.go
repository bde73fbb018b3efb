package bus_test

import (
	"testing"
	"time"

	"github.com/basket/turnstile/internal/bus"
)

func receive(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return bus.Event{}
	}
}

func TestSubscribePrefixMatching(t *testing.T) {
	b := bus.New()
	turnSub := b.Subscribe("turn.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(turnSub)
	defer b.Unsubscribe(allSub)

	b.Publish(bus.TopicTurnCreated, "payload-1")
	b.Publish(bus.TopicLifecycle, "payload-2")

	ev := receive(t, turnSub)
	if ev.Topic != bus.TopicTurnCreated {
		t.Fatalf("expected turn.created on prefix sub, got %s", ev.Topic)
	}
	select {
	case ev := <-turnSub.Ch():
		t.Fatalf("prefix sub must not see lifecycle events, got %s", ev.Topic)
	default:
	}

	first := receive(t, allSub)
	second := receive(t, allSub)
	if first.Topic != bus.TopicTurnCreated || second.Topic != bus.TopicLifecycle {
		t.Fatalf("expected both events on catch-all sub, got %s then %s", first.Topic, second.Topic)
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			b.Publish("turn.edge", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber buffer")
	}

	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
		default:
			if drained != 100 {
				t.Fatalf("expected exactly the buffered 100 events, got %d", drained)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}

	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)
}
