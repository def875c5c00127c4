package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	Publish(b, LoopStarted, "job")

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != LoopStarted {
				t.Fatalf("sub %d: Type = %q, want %q", i, e.Type, LoopStarted)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: Time not stamped", i)
			}
		default:
			t.Fatalf("sub %d: no event delivered", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block

	if e := <-ch; e.Type != "a" {
		t.Fatalf("Type = %q, want a", e.Type)
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, LoopFinished, nil)
}

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, HostCommandFailed, QueueCommandFailed)
	defer unsub()

	Publish(b, LoopStarted, nil)
	Publish(b, QueueCommandFailed, "persist")
	Publish(b, LoopFinished, nil)
	Publish(b, HostCommandFailed, "digest")

	var got []string
	for len(got) < 2 {
		got = append(got, (<-ch).Type)
	}
	if got[0] != QueueCommandFailed || got[1] != HostCommandFailed {
		t.Fatalf("types = %v, want only the two failures in order", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events counted as dropped: %d", b.Dropped())
	}
}
