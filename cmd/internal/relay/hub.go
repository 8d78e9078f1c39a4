package relay

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms and provides stable room handles.
// Rooms are created implicitly: the URL path segment is the only namespace.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	onDrop func(roomID string)
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// OnDrop registers a callback fired whenever a frame is dropped under
// backpressure. Must be called before rooms are created.
func (h *Hub) OnDrop(fn func(roomID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
	for _, r := range h.rooms {
		r.onDrop = fn
	}
}

// GetOrCreateRoom returns a stable in-memory room handle.
func (h *Hub) GetOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	r := NewRoom(h.log, roomID)
	r.onDrop = h.onDrop
	h.rooms[roomID] = r
	return r
}

// Rooms returns a snapshot of room handles.
func (h *Hub) Rooms() []*Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

// CloseAll drains every room. Used on shutdown so connected sockets observe
// client.Done and close promptly.
func (h *Hub) CloseAll() {
	for _, r := range h.Rooms() {
		r.CloseAll()
	}
}
