package services

import (
	"sync"

	"github.com/huangang/interlock/internal/models"
)

// DefaultEventLogSize bounds the per-resource event history when the
// hub is constructed with size <= 0.
const DefaultEventLogSize = 100

// EventHub fans lock events out to subscribers and keeps a bounded
// per-resource history for audit consumers. Publishing never blocks:
// slow subscribers miss events rather than stalling the coordinator.
type EventHub struct {
	mu      sync.RWMutex
	clients map[string]chan models.LockEvent
	history map[string][]models.LockEvent
	size    int
}

// NewEventHub creates a hub keeping the last size events per resource.
func NewEventHub(size int) *EventHub {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventHub{
		clients: make(map[string]chan models.LockEvent),
		history: make(map[string][]models.LockEvent),
		size:    size,
	}
}

// Subscribe registers a new client and returns a channel for receiving events
func (h *EventHub) Subscribe(clientID string) <-chan models.LockEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Create buffered channel to prevent blocking
	ch := make(chan models.LockEvent, 100)
	h.clients[clientID] = ch
	return ch
}

// Unsubscribe removes a client from the hub
func (h *EventHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Publish appends the event to its resource's history and broadcasts it
// to all connected clients.
func (h *EventHub) Publish(event models.LockEvent) {
	h.mu.Lock()
	log := append(h.history[event.ResourceID], event)
	if len(log) > h.size {
		log = log[len(log)-h.size:]
	}
	h.history[event.ResourceID] = log
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		// Non-blocking send - drop event if client buffer is full
		select {
		case ch <- event:
		default:
			// Client is slow, skip this event
		}
	}
}

// History returns the retained events for a resource, oldest first.
func (h *EventHub) History(resourceID string) []models.LockEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	log := h.history[resourceID]
	out := make([]models.LockEvent, len(log))
	copy(out, log)
	return out
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
