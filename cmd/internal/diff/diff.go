// Package diff computes minimal single-span edits between two versions of a
// plain-text document and applies them.
//
// The algorithm detects exactly one contiguous changed span. Two disjoint
// changes arriving in one batch (e.g. a find-and-replace touching separate
// regions) are folded into a single replace covering both; the reconciler's
// periodic full resync is the recovery path for that case.
package diff

import (
	"errors"
	"fmt"
)

// Kind classifies a single-span edit.
type Kind string

// Edit kinds (wire-stable, shared with the operation-log API).
const (
	Insert  Kind = "insert"
	Delete  Kind = "delete"
	Replace Kind = "replace"
)

// Edit is a single contiguous text edit at a byte offset.
//
// Text is the inserted/replacement text (insert, replace).
// Length is the deleted span length (delete, replace).
type Edit struct {
	Kind   Kind
	Pos    int
	Text   string
	Length int
}

// Diff returns the minimal single-span edit transforming old into new, or
// nil when the strings are equal.
func Diff(old, new string) *Edit {
	if old == new {
		return nil
	}

	// Forward scan: first differing index.
	p := 0
	for p < len(old) && p < len(new) && old[p] == new[p] {
		p++
	}

	switch {
	case len(new) > len(old):
		return &Edit{Kind: Insert, Pos: p, Text: new[p : p+len(new)-len(old)]}
	case len(new) < len(old):
		return &Edit{Kind: Delete, Pos: p, Length: len(old) - len(new)}
	default:
		// Equal lengths, different content: backward scan bounded at p.
		b := len(old) - 1
		for b > p && old[b] == new[b] {
			b--
		}
		return &Edit{Kind: Replace, Pos: p, Length: b - p + 1, Text: new[p : b+1]}
	}
}

// Apply applies e to s. Out-of-range offsets fail loudly rather than
// silently truncate; a partial or clamped apply would corrupt the document.
func (e *Edit) Apply(s string) (string, error) {
	if e == nil {
		return s, nil
	}
	if e.Pos < 0 {
		return "", fmt.Errorf("diff: negative position %d", e.Pos)
	}

	switch e.Kind {
	case Insert:
		if e.Pos > len(s) {
			return "", fmt.Errorf("diff: insert at %d beyond length %d", e.Pos, len(s))
		}
		return s[:e.Pos] + e.Text + s[e.Pos:], nil
	case Delete:
		if e.Length < 0 || e.Pos+e.Length > len(s) {
			return "", fmt.Errorf("diff: delete [%d,%d) beyond length %d", e.Pos, e.Pos+e.Length, len(s))
		}
		return s[:e.Pos] + s[e.Pos+e.Length:], nil
	case Replace:
		if e.Length < 0 || e.Pos+e.Length > len(s) {
			return "", fmt.Errorf("diff: replace [%d,%d) beyond length %d", e.Pos, e.Pos+e.Length, len(s))
		}
		return s[:e.Pos] + e.Text + s[e.Pos+e.Length:], nil
	default:
		return "", errors.New("diff: unknown edit kind")
	}
}
