package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: BroadcastStarted})
	b.Publish(Event{Type: BroadcastFinished}) // a is full, dropped for a only

	if got := (<-a).Type; got != BroadcastStarted {
		t.Fatalf("a got %q", got)
	}
	select {
	case e := <-a:
		t.Fatalf("a should have dropped the second event, got %q", e.Type)
	default:
	}
	if first, second := <-c, <-c; first.Type != BroadcastStarted || second.Type != BroadcastFinished {
		t.Fatalf("c got %q, %q", first.Type, second.Type)
	}
	select {
	case e := <-c:
		t.Fatalf("unexpected third event %q", e.Type)
	default:
	}

	unsubA()
	unsubA() // idempotent
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: DayOpened, Time: time.Unix(1, 0)}) // must not panic
}
