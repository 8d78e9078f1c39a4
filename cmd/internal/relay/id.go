package relay

import (
	"time"

	"coedit/cmd/internal/ids"
)

// NewSessionID returns a ULID used as websocket session id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
