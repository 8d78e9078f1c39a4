// Package editor defines the boundary to the local text editor widget.
// The sync engine only ever reads and replaces whole content through it;
// rendering concerns stay on the other side.
package editor

import "sync"

// Editor is the surface the sync engines drive.
//
// SetContent replaces the whole buffer programmatically; OnChange registers
// a handler fired for every content change, programmatic or user-made.
// Callers that must not react to their own programmatic writes are
// responsible for their own suppression.
type Editor interface {
	Content() string
	SetContent(s string)
	OnChange(fn func(content string))
}

// Buffer is an in-memory Editor used by tests and headless clients.
type Buffer struct {
	mu       sync.Mutex
	content  string
	handlers []func(string)
}

// NewBuffer constructs a Buffer with initial content.
func NewBuffer(initial string) *Buffer {
	return &Buffer{content: initial}
}

// Content returns the current buffer content.
func (b *Buffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content
}

// SetContent replaces the buffer and fires change handlers when the content
// actually changed.
func (b *Buffer) SetContent(s string) {
	b.mu.Lock()
	if b.content == s {
		b.mu.Unlock()
		return
	}
	b.content = s
	handlers := append([]func(string){}, b.handlers...)
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

// OnChange registers a change handler.
func (b *Buffer) OnChange(fn func(content string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}
