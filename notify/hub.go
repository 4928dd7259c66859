// Package notify fans observability events out to subscribers. Delivery is
// fire-and-forget, at-most-once: a slow subscriber loses events instead of
// slowing the sweep pipeline down.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names used across the daemon.
const (
	EventWalletAdded   = "wallet-added"
	EventWalletUpdated = "wallet-updated"
	EventWalletRemoved = "wallet-removed"
	EventTokenAdded    = "token-added"
	EventTokenRemoved  = "token-removed"
	EventMetricsUpdate = "metrics-update"
	EventSweep         = "sweep"
	EventReload        = "reload"
)

// Event is one published notification.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Hub is the in-process event bus.
type Hub struct {
	buffer int

	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
}

// NewHub constructs a hub; buffer is the per-subscriber channel depth.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking; full
// subscriber buffers drop the event.
func (h *Hub) Publish(eventType string, payload any) {
	event := Event{
		ID:      uuid.New(),
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
