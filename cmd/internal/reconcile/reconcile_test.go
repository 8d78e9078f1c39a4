package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"coedit/cmd/internal/diff"
	"coedit/cmd/internal/editor"
	"coedit/cmd/internal/oplog"
)

func mustDiff(t *testing.T, old, new string) diff.Edit {
	t.Helper()
	e := diff.Diff(old, new)
	if e == nil {
		t.Fatalf("no diff between %q and %q", old, new)
	}
	return *e
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// opIDCounter mints predictable operation ids for assertions.
func opIDCounter(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func newTestReconciler(t *testing.T, store oplog.Store, ed editor.Editor, userID, defaultContent string) *Reconciler {
	t.Helper()
	r, err := New(testLogger(), store, ed, Config{
		RoomID:         "r1",
		UserID:         userID,
		DefaultContent: defaultContent,
		NewOperationID: opIDCounter(userID),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestBootstrapSeedsEmptyRoom(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "alice", "hello world")

	if err := r.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if got := ed.Content(); got != "hello world" {
		t.Fatalf("editor content: %q", got)
	}
	snap, err := store.GetDocument(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if snap.Content != "hello world" {
		t.Fatalf("snapshot content: %q", snap.Content)
	}
}

func TestBootstrapAdoptsExistingSnapshot(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ctx := context.Background()
	if _, err := store.InitializeDocument(ctx, "r1", "existing text", time.Now().UTC()); err != nil {
		t.Fatalf("InitializeDocument: %v", err)
	}

	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "bob", "my local default")

	if err := r.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// The existing document wins; the local default must not clobber it.
	if got := ed.Content(); got != "existing text" {
		t.Fatalf("editor content: %q", got)
	}
	snap, _ := store.GetDocument(ctx, "r1")
	if snap.Content != "existing text" {
		t.Fatalf("snapshot content: %q", snap.Content)
	}
}

func TestFlushSubmitsPendingDiff(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "alice", "abc")
	ctx := context.Background()

	if err := r.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ed.SetContent("abXc")
	r.flushOutbound(ctx)

	snap, _ := store.GetDocument(ctx, "r1")
	if snap.Content != "abXc" {
		t.Fatalf("snapshot after flush: %q", snap.Content)
	}
	if !r.recent.contains("alice-1") {
		t.Fatal("submitted operation id not remembered")
	}

	// Nothing pending: a second flush must not submit again.
	before := snap.Version
	r.flushOutbound(ctx)
	snap, _ = store.GetDocument(ctx, "r1")
	if snap.Version != before {
		t.Fatalf("idle flush bumped version: %d -> %d", before, snap.Version)
	}
}

func TestChangeHandlersFireOncePerLogicalEdit(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "alice", "base")
	ctx := context.Background()

	if err := r.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	changes := 0
	ed.OnChange(func(string) { changes++ })

	ed.SetContent("base plus edit")
	if changes != 1 {
		t.Fatalf("local edit: want 1 change event, got %d", changes)
	}

	// Submitting and then polling the log back must not re-apply our own
	// operation: one logical edit, one change event, no feedback loop.
	r.flushOutbound(ctx)
	r.pollInbound(ctx)
	r.pollInbound(ctx)

	if changes != 1 {
		t.Fatalf("after round trip: want 1 change event, got %d", changes)
	}
	if got := ed.Content(); got != "base plus edit" {
		t.Fatalf("editor content: %q", got)
	}
}

func TestPollAppliesRemoteOperations(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ctx := context.Background()

	edA := editor.NewBuffer("")
	rA := newTestReconciler(t, store, edA, "alice", "print('hi')")
	if err := rA.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap A: %v", err)
	}

	edB := editor.NewBuffer("")
	rB := newTestReconciler(t, store, edB, "bob", "")
	if err := rB.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap B: %v", err)
	}
	if got := edB.Content(); got != "print('hi')" {
		t.Fatalf("B bootstrap content: %q", got)
	}

	edA.SetContent("print('hi') # done")
	rA.flushOutbound(ctx)

	rB.pollInbound(ctx)
	if got := edB.Content(); got != "print('hi') # done" {
		t.Fatalf("B after poll: %q", got)
	}

	// The programmatic apply must not leave a spurious outbound diff.
	rB.flushOutbound(ctx)
	snap, _ := store.GetDocument(ctx, "r1")
	if snap.Content != "print('hi') # done" {
		t.Fatalf("snapshot: %q", snap.Content)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ctx := context.Background()

	edA := editor.NewBuffer("")
	rA := newTestReconciler(t, store, edA, "alice", "shared doc\n")
	edB := editor.NewBuffer("")
	rB := newTestReconciler(t, store, edB, "bob", "")

	if err := rA.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap A: %v", err)
	}
	if err := rB.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap B: %v", err)
	}

	edA.SetContent("shared doc\nalice line\n")
	rA.flushOutbound(ctx)
	rB.pollInbound(ctx)

	edB.SetContent(edB.Content() + "bob line\n")
	rB.flushOutbound(ctx)
	rA.pollInbound(ctx)

	want := "shared doc\nalice line\nbob line\n"
	if got := edA.Content(); got != want {
		t.Fatalf("A: %q", got)
	}
	if got := edB.Content(); got != want {
		t.Fatalf("B: %q", got)
	}
}

func TestRejectedSubmitResetsToAuthoritative(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ctx := context.Background()

	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "alice", "ab")
	if err := r.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// A remote edit we have not polled yet shortens the document.
	if _, err := store.Submit(ctx, oplog.SubmitInput{
		RoomID:      "r1",
		OperationID: "bob-1",
		UserID:      "bob",
		Edit:        mustDiff(t, "ab", "a"),
		Now:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("remote submit: %v", err)
	}

	// Our append now lands beyond the authoritative content length.
	ed.SetContent("abX")
	r.flushOutbound(ctx)

	// Last-writer-loses-locally: the editor is reset, not merged.
	if got := ed.Content(); got != "a" {
		t.Fatalf("editor after reset: %q", got)
	}
	snap, _ := store.GetDocument(ctx, "r1")
	if snap.Content != "a" {
		t.Fatalf("snapshot: %q", snap.Content)
	}
}

func TestFullResyncOverwritesMissedDivergence(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ctx := context.Background()

	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "alice", "v1 content")
	if err := r.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// The snapshot moves on without us noticing via the op stream.
	if _, err := store.Submit(ctx, oplog.SubmitInput{
		RoomID:      "r1",
		OperationID: "bob-1",
		UserID:      "bob",
		Edit:        mustDiff(t, "v1 content", "v2 content"),
		Now:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("remote submit: %v", err)
	}

	r.fullResync(ctx)
	if got := ed.Content(); got != "v2 content" {
		t.Fatalf("editor after resync: %q", got)
	}
}

func TestFullResyncYieldsToPendingLocalEdit(t *testing.T) {
	store := oplog.NewInMemoryStore()
	ctx := context.Background()

	ed := editor.NewBuffer("")
	r := newTestReconciler(t, store, ed, "alice", "stable")
	if err := r.bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// Un-submitted local typing must not be clobbered by the safety net.
	ed.SetContent("stable plus typing")
	r.fullResync(ctx)

	if got := ed.Content(); got != "stable plus typing" {
		t.Fatalf("pending edit clobbered: %q", got)
	}
}

func TestRecentIDsBounded(t *testing.T) {
	r := newRecentIDs(3)
	for i := 0; i < 5; i++ {
		r.add(fmt.Sprintf("op-%d", i))
	}
	if r.contains("op-0") || r.contains("op-1") {
		t.Fatal("oldest ids not evicted")
	}
	for i := 2; i < 5; i++ {
		if !r.contains(fmt.Sprintf("op-%d", i)) {
			t.Fatalf("op-%d missing", i)
		}
	}
}
