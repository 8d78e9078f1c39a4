package presence

import "golang.org/x/crypto/blake2b"

// palette is the fixed set of display colors. Chosen for contrast against
// both light and dark editor themes.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#fabebe", "#008080", "#e6beff",
	"#9a6324", "#800000", "#aaffc3", "#808000",
}

// ColorFor maps a user id to a palette color deterministically: the same
// user gets the same color across reconnects, sessions, and observers.
// Random per-session assignment is deliberately not offered.
func ColorFor(userID string) string {
	sum := blake2b.Sum256([]byte(userID))
	// First 8 bytes as a big-endian integer, mod palette size.
	var n uint64
	for _, b := range sum[:8] {
		n = n<<8 | uint64(b)
	}
	return palette[n%uint64(len(palette))]
}
