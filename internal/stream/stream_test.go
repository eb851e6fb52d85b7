package stream

import (
	"context"
	"testing"
	"time"
)

func TestHubDeliversAndCloses(t *testing.T) {
	h := New[string](2)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx)

	h.Publish("first")
	select {
	case got := <-ch:
		if got != "first" {
			t.Fatalf("unexpected event %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx)

	h.Publish(1)
	h.Publish(2) // buffer full, dropped

	if got := <-ch; got != 1 {
		t.Fatalf("unexpected event %d", got)
	}
	select {
	case v := <-ch:
		t.Fatalf("expected drop, got %d", v)
	default:
	}
	if h.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", h.Subscribers())
	}
}
