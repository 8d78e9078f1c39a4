package v1

import "time"

// Operation kinds accepted by the operation-log API.
const (
	OpInsert  = "insert"
	OpDelete  = "delete"
	OpReplace = "replace"
)

// Rejection reasons returned by the operation-log API.
const (
	ReasonDuplicate   = "duplicate"
	ReasonInvalid     = "invalid"
	ReasonInitialized = "already_initialized"
	ReasonRoomClosed  = "room_closed"
)

// OperationBody is a single-span text edit.
// Content is required for insert/replace, Length for delete/replace.
type OperationBody struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// SubmitOperationRequest submits one operation to a room's log.
type SubmitOperationRequest struct {
	Operation   OperationBody `json:"operation"`
	OperationID string        `json:"operation_id"`
	UserID      string        `json:"user_id"`
}

// SubmitOperationResponse reports whether the operation was applied.
type SubmitOperationResponse struct {
	Success    bool   `json:"success"`
	NewContent string `json:"new_content,omitempty"`
	Version    int64  `json:"version,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// LoggedOperation is one applied operation as stored in the log.
type LoggedOperation struct {
	OperationID string        `json:"operation_id"`
	Operation   OperationBody `json:"operation"`
	UserID      string        `json:"user_id"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ListOperationsResponse returns a window of the log, oldest first.
type ListOperationsResponse struct {
	Operations []LoggedOperation `json:"operations"`
	HasMore    bool              `json:"has_more"`
}

// DocumentStateResponse is the authoritative snapshot for a room.
type DocumentStateResponse struct {
	Content      string    `json:"content"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
}

// InitializeDocumentRequest seeds an empty room with initial content.
type InitializeDocumentRequest struct {
	Content string `json:"content"`
	UserID  string `json:"user_id,omitempty"`
}

// InitializeDocumentResponse reports whether seeding won the race.
type InitializeDocumentResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
