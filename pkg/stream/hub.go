// Package stream fans decision, fill, governance, and security events out
// to connected operator websockets.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one item on the operator stream.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub is a drop-on-overflow broadcaster. A slow websocket consumer loses
// events rather than stalling the trading path; drops are counted per
// subscriber and in total so operators can see they are behind.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]*uint64
	dropped     atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subscribers: map[chan Event]*uint64{}}
}

// Subscribe registers a new consumer channel with the given buffer.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subscribers[ch] = new(uint64)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call twice.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, registered := h.subscribers[ch]
	delete(h.subscribers, ch)
	h.mu.Unlock()
	if registered {
		close(ch)
	}
}

// Publish delivers the event to every subscriber whose buffer has room and
// returns how many deliveries were dropped.
func (h *Hub) Publish(evt Event) int {
	dropped := 0
	h.mu.RLock()
	for ch, drops := range h.subscribers {
		select {
		case ch <- evt:
		default:
			atomic.AddUint64(drops, 1)
			dropped++
		}
	}
	h.mu.RUnlock()
	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
	}
	return dropped
}

// Dropped reports the total deliveries dropped across all subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// DroppedFor reports drops charged to one active subscription.
func (h *Hub) DroppedFor(ch chan Event) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if drops, ok := h.subscribers[ch]; ok {
		return atomic.LoadUint64(drops)
	}
	return 0
}
