// Package presence tracks ephemeral per-replica awareness state: who is in
// the room, under what name and color, and where their cursor is. Nothing
// here is persisted; entries vanish with the connection that announced them.
package presence

import (
	"encoding/json"
	"sync"

	v1 "coedit/contracts/sync/v1"
)

// Tracker is one client's view of the room's awareness states.
type Tracker struct {
	mu        sync.RWMutex
	localID   string
	states    map[string]v1.AwarenessFields
	onChange  []func(states map[string]v1.AwarenessFields)
	broadcast func(p v1.AwarenessPayload)
}

// NewTracker constructs a tracker for the given replica id. broadcast is
// invoked with the payload to relay on every local state write.
func NewTracker(replicaID string, broadcast func(p v1.AwarenessPayload)) *Tracker {
	return &Tracker{
		localID:   replicaID,
		states:    make(map[string]v1.AwarenessFields),
		broadcast: broadcast,
	}
}

// SetLocalState overwrites this replica's presence fields and broadcasts
// them.
func (t *Tracker) SetLocalState(f v1.AwarenessFields) {
	t.mu.Lock()
	t.states[t.localID] = f
	handlers := t.snapshotHandlersLocked()
	states := t.snapshotStatesLocked()
	t.mu.Unlock()

	if t.broadcast != nil {
		raw, err := json.Marshal(f)
		if err == nil {
			t.broadcast(v1.AwarenessPayload{ReplicaID: t.localID, Fields: raw})
		}
	}
	fire(handlers, states)
}

// ApplyRemote merges a peer's awareness payload. Nil fields clear the entry
// (the transport emits that form when a connection drops).
func (t *Tracker) ApplyRemote(p v1.AwarenessPayload) {
	if p.ReplicaID == "" || p.ReplicaID == t.localID {
		return
	}

	t.mu.Lock()
	if p.Fields == nil {
		delete(t.states, p.ReplicaID)
	} else {
		var f v1.AwarenessFields
		if err := json.Unmarshal(p.Fields, &f); err != nil {
			t.mu.Unlock()
			return
		}
		t.states[p.ReplicaID] = f
	}
	handlers := t.snapshotHandlersLocked()
	states := t.snapshotStatesLocked()
	t.mu.Unlock()

	fire(handlers, states)
}

// States returns a copy of all known presence states keyed by replica id.
func (t *Tracker) States() map[string]v1.AwarenessFields {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotStatesLocked()
}

// OnChange registers a callback fired after every state change.
func (t *Tracker) OnChange(fn func(states map[string]v1.AwarenessFields)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

func (t *Tracker) snapshotStatesLocked() map[string]v1.AwarenessFields {
	out := make(map[string]v1.AwarenessFields, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

func (t *Tracker) snapshotHandlersLocked() []func(map[string]v1.AwarenessFields) {
	return append([]func(map[string]v1.AwarenessFields){}, t.onChange...)
}

func fire(handlers []func(map[string]v1.AwarenessFields), states map[string]v1.AwarenessFields) {
	for _, fn := range handlers {
		fn(states)
	}
}
