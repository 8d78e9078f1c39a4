package relay

import (
	"log/slog"
	"sync"

	v1 "coedit/contracts/sync/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// The relay never interprets document frames: correctness of convergence is
// delegated entirely to the replicated-document merge on the clients. The
// room's only jobs are membership and fanout.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client

	onDrop func(roomID string) // invoked when a frame is dropped under backpressure
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership and signals shutdown for that client.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	var cl *Client

	r.mu.Lock()
	cl = r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	// Signal client shutdown after removing from membership.
	// This ordering avoids race windows where a broadcaster still holds a pointer
	// while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID)
}

// Size returns the current member count.
func (r *Room) Size() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fanouts an envelope to every member except the named session.
// Pass an empty exceptSessionID to reach all members.
// Non-blocking: if a member queue is full or the client is shutting down, the
// frame is dropped for that member.
func (r *Room) Broadcast(env v1.Envelope, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for sid, m := range r.members {
		if m == nil || sid == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			if r.onDrop != nil {
				r.onDrop(r.ID)
			}
		}
	}
}

// CloseAll signals shutdown to every member and empties membership.
// Used for graceful drain.
func (r *Room) CloseAll() {
	if r == nil {
		return
	}

	r.mu.Lock()
	members := r.members
	r.members = make(map[string]*Client)
	r.mu.Unlock()

	for _, m := range members {
		m.Close()
	}
}
