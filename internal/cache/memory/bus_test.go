package memory

import (
	"context"
	"testing"
	"time"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exact, _ := b.Subscribe(ctx, "book:view")
	glob, _ := b.Subscribe(ctx, "book:*")
	other, _ := b.Subscribe(ctx, "other")

	_ = b.Publish(ctx, "book:view", []byte("hello"))

	for name, ch := range map[string]<-chan []byte{"exact": exact, "glob": glob} {
		select {
		case got := <-ch:
			if string(got) != "hello" {
				t.Fatalf("%s: got %q", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no payload", name)
		}
	}
	select {
	case got := <-other:
		t.Fatalf("unrelated subscriber received %q", got)
	default:
	}
}

func TestBusClosesOnCancel(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "book:view")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}

	// Publishing after the subscriber left must not panic.
	_ = b.Publish(context.Background(), "book:view", []byte("late"))
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, "book:view")

	for i := 0; i < subscriberBuffer+10; i++ {
		_ = b.Publish(ctx, "book:view", []byte("x"))
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected full buffer of %d, got %d", subscriberBuffer, len(ch))
	}
}
