// Package roster manages rooms and participants: the collaborator boundary
// the sync engines consume read-only. It enforces capacity, keeps at most
// one participant record per (room, user), and sweeps stale members and
// expired rooms. It performs no authentication.
package roster

import (
	"context"
	"errors"
	"time"
)

// Participant roles.
const (
	RoleHost         = "host"
	RoleCollaborator = "collaborator"
)

// Join/lookup failures surfaced at the boundary.
var (
	ErrRoomNotFound = errors.New("roster: room not found")
	ErrRoomClosed   = errors.New("roster: room closed or expired")
	ErrRoomFull     = errors.New("roster: room full")
)

// Room identifies a collaborative session.
type Room struct {
	ID              string
	OwnerUserID     string
	Active          bool
	MaxParticipants int
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// Cursor is a participant caret, optionally scoped to a file.
type Cursor struct {
	Line   int
	Column int
	File   string
}

// Participant is a user's membership in a room.
type Participant struct {
	RoomID      string
	UserID      string
	DisplayName string
	Color       string
	Role        string
	Active      bool
	LastSeen    time.Time
	Cursor      *Cursor
}

// CreateRoomInput describes a room creation request.
type CreateRoomInput struct {
	RoomID          string
	OwnerUserID     string
	MaxParticipants int
	ExpiresAt       *time.Time
	Now             time.Time
}

// JoinInput describes a join request.
type JoinInput struct {
	RoomID      string
	UserID      string
	DisplayName string
	Now         time.Time
}

// Store persists rooms and participants.
//
// Requirements:
//   - At most one participant record per (room, user): rejoining reactivates
//     and updates the existing record, it never duplicates it.
//   - Join is rejected with ErrRoomFull when the active participant count is
//     already at the room's maximum (join and count are one atomic unit).
//   - Rooms are deactivated, never hard-deleted.
type Store interface {
	CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	CloseRoom(ctx context.Context, roomID string) error

	Join(ctx context.Context, in JoinInput) (Participant, error)
	Leave(ctx context.Context, roomID, userID string) error
	Heartbeat(ctx context.Context, roomID, userID string, cursor *Cursor, now time.Time) error
	Participants(ctx context.Context, roomID string, activeOnly bool) ([]Participant, error)

	// SweepStale marks participants inactive when their last heartbeat is
	// older than the liveness window, and deactivates expired rooms. It
	// returns the number of participants swept.
	SweepStale(ctx context.Context, window time.Duration, now time.Time) (int, error)

	Close() error
}

// RoomOpen reports whether the room accepts sync traffic at the given time.
func RoomOpen(r Room, now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}
