// Package binding mirrors replicated-document mutations into and out of a
// local editor. It is the glue between the crdt package and an editor
// widget: local content changes become CRDT ops, remote ops become
// programmatic content writes.
package binding

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"coedit/cmd/internal/crdt"
	"coedit/cmd/internal/diff"
	"coedit/cmd/internal/editor"
)

// Reentrancy states. While a remote update is being written into the
// editor, the local change handler must treat the resulting change event as
// programmatic, not as a new edit.
const (
	guardIdle int32 = iota
	guardApplyingRemote
)

// Binding keeps one Doc and one Editor in lockstep.
type Binding struct {
	doc *crdt.Doc
	ed  editor.Editor

	mu sync.Mutex
	// Checked lock-free by the change handler: editors fire handlers
	// synchronously from SetContent, while the binding holds mu.
	state atomic.Int32
	// last editor content the doc has incorporated; diffs are computed
	// against it so replays of the same change event are no-ops.
	shadow string

	send func(update []byte)
}

// New wires doc and ed together. send is invoked with the encoded update
// for every local edit; it must not block (hand off to a queue).
// The editor is seeded from the doc so both start from the same text.
func New(doc *crdt.Doc, ed editor.Editor, send func(update []byte)) *Binding {
	b := &Binding{doc: doc, ed: ed, shadow: doc.Text(), send: send}
	b.withRemoteGuard(func() {
		ed.SetContent(b.shadow)
	})
	ed.OnChange(b.onEditorChange)
	return b
}

// Seed inserts initial content into an empty doc, for the first client to
// open a new room.
func (b *Binding) Seed(content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc.Len() != 0 || content == "" {
		return nil
	}
	ops, err := b.doc.InsertAt(0, content)
	if err != nil {
		return err
	}
	b.shadow = b.doc.Text()
	b.withRemoteGuard(func() {
		b.ed.SetContent(b.shadow)
	})
	b.broadcast(ops)
	return nil
}

// ApplyRemoteUpdate merges a remote update and mirrors the merged text into
// the editor. The editor write happens under the reentrancy guard, and the
// guard is released even if a handler panics.
func (b *Binding) ApplyRemoteUpdate(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.doc.ApplyRemoteUpdate(data); err != nil {
		return err
	}
	b.shadow = b.doc.Text()
	b.withRemoteGuard(func() {
		b.ed.SetContent(b.shadow)
	})
	return nil
}

// onEditorChange translates a local content change into CRDT ops and
// broadcasts them. Changes observed while a remote update is being applied
// are programmatic echoes and are ignored; without this check every remote
// edit would bounce back as a spurious local one.
func (b *Binding) onEditorChange(content string) {
	// Lock-free check, before mu: editors fire this handler synchronously
	// from inside SetContent, which the binding calls while holding mu.
	// Taking mu here for a programmatic echo would deadlock on ourselves.
	if b.state.Load() == guardApplyingRemote {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := diff.Diff(b.shadow, content)
	if e == nil {
		return
	}

	ops, err := b.applyEditToDoc(b.shadow, e)
	if err != nil {
		// The editor drifted from the doc (should not happen while the
		// guard discipline holds); resync the editor from the doc.
		b.shadow = b.doc.Text()
		b.withRemoteGuard(func() {
			b.ed.SetContent(b.shadow)
		})
		return
	}

	b.shadow = content
	b.broadcast(ops)
}

// applyEditToDoc converts the byte-offset edit into rune-indexed doc
// mutations.
func (b *Binding) applyEditToDoc(base string, e *diff.Edit) ([]crdt.Op, error) {
	idx := utf8.RuneCountInString(base[:e.Pos])

	switch e.Kind {
	case diff.Insert:
		return b.doc.InsertAt(idx, e.Text)
	case diff.Delete:
		n := utf8.RuneCountInString(base[e.Pos : e.Pos+e.Length])
		return b.doc.DeleteAt(idx, n)
	case diff.Replace:
		n := utf8.RuneCountInString(base[e.Pos : e.Pos+e.Length])
		return b.doc.ReplaceAt(idx, n, e.Text)
	default:
		return nil, fmt.Errorf("binding: unknown edit kind %q", e.Kind)
	}
}

func (b *Binding) broadcast(ops []crdt.Op) {
	if len(ops) == 0 || b.send == nil {
		return
	}
	data, err := crdt.EncodeUpdate(ops)
	if err != nil {
		return
	}
	b.send(data)
}

// withRemoteGuard runs fn in the applyingRemote state with guaranteed reset.
func (b *Binding) withRemoteGuard(fn func()) {
	b.state.Store(guardApplyingRemote)
	defer b.state.Store(guardIdle)
	fn()
}
