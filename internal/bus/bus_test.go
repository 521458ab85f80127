package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("command.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicCommandDispatched, CommandEvent{CommandID: "cmd_1", Action: "move_forward"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicCommandDispatched {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicCommandDispatched)
		}
		ce, ok := event.Payload.(CommandEvent)
		if !ok {
			t.Fatalf("payload type = %T, want CommandEvent", event.Payload)
		}
		if ce.CommandID != "cmd_1" {
			t.Fatalf("command_id = %q, want cmd_1", ce.CommandID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	telemetrySub := b.Subscribe("telemetry.")
	defer b.Unsubscribe(telemetrySub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTelemetrySensor, nil)
	b.Publish(TopicConnectionState, nil)

	// telemetrySub should receive the sensor event but not the connection one.
	select {
	case event := <-telemetrySub.Ch():
		if event.Topic != TopicTelemetrySensor {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTelemetrySensor)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for telemetry event")
	}
	select {
	case event := <-telemetrySub.Ch():
		t.Fatalf("unexpected event on telemetrySub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event on allSub")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("telemetry.")
	defer b.Unsubscribe(sub)

	const overflow = 10
	for i := 0; i < defaultBufferSize+overflow; i++ {
		b.Publish(TopicTelemetrySensor, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
	if sub.Drops() != overflow {
		t.Fatalf("drops = %d, want %d", sub.Drops(), overflow)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("safety.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("safety.")
	sub2 := b.Subscribe("safety.")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicSafetyWarning, SafetyEvent{WarningType: "drop_detected"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			se, ok := event.Payload.(SafetyEvent)
			if !ok || se.WarningType != "drop_detected" {
				t.Fatalf("payload = %v", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicCommandResolved, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done
		}
	}
done:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
