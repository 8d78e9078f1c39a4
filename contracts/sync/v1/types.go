// Package v1 defines the coedit sync protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay server and clients to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeDocUpdate carries an opaque replicated-document update.
	// The relay forwards it verbatim to every other client in the room;
	// it never inspects the payload.
	TypeDocUpdate = "doc_update"

	// TypeSyncRequest carries a replica's state vector so peers can reply
	// with the updates the requester is missing. Relayed verbatim, like
	// TypeDocUpdate.
	TypeSyncRequest = "sync_request"

	// TypeAwareness carries ephemeral presence fields for one replica.
	// The relay forwards it and remembers which replica a session announced,
	// so that it can broadcast a clearing update when the session drops.
	TypeAwareness = "awareness"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeDocUpdate,
		TypeSyncRequest,
		TypeAwareness,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// The room is taken from the URL path, not from the payload.
type HelloPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// HelloAckPayload returns the server-assigned session identity.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	RoomID    string `json:"room_id"`
	Color     string `json:"color,omitempty"`
}

// DocUpdatePayload wraps an opaque replicated-document update.
// The relay treats Update as a black box.
type DocUpdatePayload struct {
	Update []byte `json:"update"`
}

// SyncRequestPayload carries the requesting replica's state vector.
// Peers answer with a TypeDocUpdate containing the missing updates.
type SyncRequestPayload struct {
	StateVector []byte `json:"state_vector"`
}

// AwarenessPayload carries presence fields for one replica.
// A nil Fields clears the replica's entry on every observer.
type AwarenessPayload struct {
	ReplicaID string          `json:"replica_id"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// AwarenessFields is the minimum presence field set.
type AwarenessFields struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// Cursor is a caret position in the shared document.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
