package relay

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	// Document updates batch many small ops but stay far below this.
	maxFrameBytes = 256 << 10 // 256 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	// Typing produces debounced updates, so this is generous.
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
