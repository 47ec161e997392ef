package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("governance", map[string]string{"level": "EMERGENCY"})
	if evt.Type != "governance" {
		t.Fatalf("expected type governance, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["level"] != "EMERGENCY" {
		t.Fatalf("expected level=EMERGENCY, got %q", payload["level"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("decision", nil))

	select {
	case evt := <-ch:
		if evt.Type != "decision" {
			t.Fatalf("expected decision event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	if dropped := h.Publish(NewEvent("fill", nil)); dropped != 0 {
		t.Fatalf("expected no drops with buffer room, got %d", dropped)
	}
	if dropped := h.Publish(NewEvent("fill-dropped", nil)); dropped != 1 {
		t.Fatalf("expected one drop on full buffer, got %d", dropped)
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected total drop counter 1, got %d", h.Dropped())
	}
	if h.DroppedFor(ch) != 1 {
		t.Fatalf("expected subscriber drop counter 1, got %d", h.DroppedFor(ch))
	}

	select {
	case evt := <-ch:
		if evt.Type != "fill" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestDropCountersPerSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub()
	slow := h.Subscribe(1)
	fast := h.Subscribe(8)
	defer h.Unsubscribe(fast)

	h.Publish(NewEvent("decision", nil))
	h.Publish(NewEvent("decision", nil))
	h.Publish(NewEvent("decision", nil))

	if got := h.DroppedFor(slow); got != 2 {
		t.Fatalf("expected 2 drops on the slow subscriber, got %d", got)
	}
	if got := h.DroppedFor(fast); got != 0 {
		t.Fatalf("expected no drops on the fast subscriber, got %d", got)
	}
	if got := h.Dropped(); got != 2 {
		t.Fatalf("expected 2 total drops, got %d", got)
	}

	h.Unsubscribe(slow)
	if got := h.DroppedFor(slow); got != 0 {
		t.Fatalf("expected no counter for removed subscriber, got %d", got)
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
