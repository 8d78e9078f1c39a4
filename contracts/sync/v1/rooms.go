package v1

import "time"

// Room/participant management shapes for the boundary API.
// The sync engines consume this state read-only.

// CreateRoomRequest registers a room. RoomID is optional; the server mints
// one when absent.
type CreateRoomRequest struct {
	RoomID          string `json:"room_id,omitempty"`
	OwnerUserID     string `json:"owner_user_id"`
	MaxParticipants int    `json:"max_participants,omitempty"`
	TTLSeconds      int    `json:"ttl_seconds,omitempty"`
}

// RoomView is the public room representation.
type RoomView struct {
	RoomID          string     `json:"room_id"`
	OwnerUserID     string     `json:"owner_user_id"`
	Active          bool       `json:"active"`
	MaxParticipants int        `json:"max_participants"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// JoinRoomRequest admits a user into a room.
type JoinRoomRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ParticipantView is the public participant representation.
type ParticipantView struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Color       string     `json:"color"`
	Role        string     `json:"role"`
	Active      bool       `json:"active"`
	LastSeen    time.Time  `json:"last_seen"`
	Cursor      *CursorRef `json:"cursor,omitempty"`
}

// CursorRef is a caret position, optionally scoped to a file.
type CursorRef struct {
	Line   int    `json:"line"`
	Column int    `json:"column"`
	File   string `json:"file,omitempty"`
}

// ListParticipantsResponse lists a room's members.
type ListParticipantsResponse struct {
	Participants []ParticipantView `json:"participants"`
}

// LeaveRoomRequest marks a participant as gone.
type LeaveRoomRequest struct {
	UserID string `json:"user_id"`
}

// HeartbeatRequest refreshes liveness and optionally the cursor.
type HeartbeatRequest struct {
	UserID string     `json:"user_id"`
	Cursor *CursorRef `json:"cursor,omitempty"`
}

// APIError is the generic REST error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
