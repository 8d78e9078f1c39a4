// Package oplog contains the operation-log synchronization engine: a
// per-room append-only log of single-span text operations plus the
// materialized document snapshot derived from it.
package oplog

import (
	"context"
	"errors"
	"time"

	"coedit/cmd/internal/diff"
)

// ErrInvalidOperation marks an operation the snapshot refused to apply
// (out-of-range offset, unknown kind). Such operations are never appended.
var ErrInvalidOperation = errors.New("oplog: invalid operation")

// Operation is the canonical persisted operation representation.
// Seq equals the snapshot version produced by applying it.
type Operation struct {
	RoomID      string
	OperationID string
	UserID      string
	Seq         int64
	Edit        diff.Edit
	ServerTS    time.Time
}

// Snapshot is the materialized current document for a room.
type Snapshot struct {
	Content      string
	Version      int64
	LastModified time.Time
}

// SubmitInput describes an operation submission.
type SubmitInput struct {
	RoomID      string
	OperationID string
	UserID      string
	Edit        diff.Edit
	Now         time.Time
}

// SubmitResult is the submission outcome. When Duplicated is true the
// operation was already applied and the stored fields describe the first
// acceptance.
type SubmitResult struct {
	Stored     Operation
	NewContent string
	Version    int64
	Duplicated bool
}

// ListSinceInput describes a log window query.
type ListSinceInput struct {
	RoomID string
	After  time.Time
	Limit  int
}

// ListSinceResult contains the retrieved window, oldest first.
type ListSinceResult struct {
	Operations []Operation
	HasMore    bool
}

// Store persists and queries per-room operation logs and snapshots.
//
// Requirements:
//   - Idempotency per (room_id, operation_id): a resubmitted id is reported
//     as duplicated and the document is unchanged.
//   - Append and snapshot mutation are one atomic unit per operation, and
//     submissions for the same room never interleave their read-modify-write.
//   - The log only ever contains operations that applied cleanly, so
//     replaying it in order from the empty string reproduces the snapshot.
//   - ListSince is ordered oldest first and bounded by Limit.
type Store interface {
	Submit(ctx context.Context, in SubmitInput) (SubmitResult, error)
	ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error)
	GetDocument(ctx context.Context, roomID string) (Snapshot, error)
	// InitializeDocument seeds an empty room. First writer wins: it reports
	// false when a snapshot already exists, protecting content another
	// participant already started.
	InitializeDocument(ctx context.Context, roomID, content string, now time.Time) (bool, error)
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
