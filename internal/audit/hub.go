package audit

import (
	"context"
	"sync"
	"time"
)

// Event is an audit record as delivered to live subscribers.
type Event struct {
	Name         string         `json:"event"`
	Time         time.Time      `json:"time"`
	RequestID    string         `json:"requestId,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	ProviderCode string         `json:"providerCode,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Hub fans audit events out to subscribers such as the admin event stream.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

var defaultHub = NewHub()

// DefaultHub is the hub LogEvent publishes to.
func DefaultHub() *Hub { return defaultHub }

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every subscriber without blocking; slow
// subscribers miss events.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
