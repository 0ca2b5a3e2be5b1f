package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Signal{Source: SourceCLI, Kind: KindWake})

	select {
	case sig := <-ch:
		if sig.Source != SourceCLI || sig.Kind != KindWake {
			t.Errorf("got %+v", sig)
		}
		if sig.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no signal delivered")
	}
}

func TestNilBusIsNoOp(t *testing.T) {
	var b *Bus
	b.Publish(Signal{Kind: KindWake}) // must not panic
	b.Wake(SourceCLI, "test")
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount on nil = %d", n)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Signal{Kind: KindWake})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}

func TestWakeHelper(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Wake(SourceTelegram, "new message")
	sig := <-ch
	if sig.Kind != KindWake {
		t.Errorf("kind = %s", sig.Kind)
	}
	if sig.Data["reason"] != "new message" {
		t.Errorf("data = %v", sig.Data)
	}
}
