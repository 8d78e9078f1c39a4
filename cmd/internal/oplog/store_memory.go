package oplog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memMaxOperationsPerRoom = 10_000

// InMemoryStore is the dev/test fallback when DB is not configured.
// All mutation runs under one mutex, so per-room read-modify-write never
// interleaves.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seq         int64
	dedupe      map[string]Operation // operation_id -> stored operation
	ops         []Operation          // ordered by seq
	snapshot    Snapshot
	initialized bool
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rooms: make(map[string]*memRoom)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) room(roomID string) *memRoom {
	r := s.rooms[roomID]
	if r == nil {
		r = &memRoom{
			dedupe: make(map[string]Operation),
			ops:    make([]Operation, 0, 256),
		}
		s.rooms[roomID] = r
	}
	return r
}

// Submit appends an operation with idempotency and atomic snapshot apply.
// An operation the snapshot cannot apply is rejected and never appended.
func (s *InMemoryStore) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if in.RoomID == "" || in.OperationID == "" || in.UserID == "" {
		return SubmitResult{}, errors.New("oplog: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(in.RoomID)

	if existing, ok := r.dedupe[in.OperationID]; ok {
		return SubmitResult{
			Stored:     existing,
			NewContent: r.snapshot.Content,
			Version:    r.snapshot.Version,
			Duplicated: true,
		}, nil
	}

	newContent, err := in.Edit.Apply(r.snapshot.Content)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	r.seq++
	op := Operation{
		RoomID:      in.RoomID,
		OperationID: in.OperationID,
		UserID:      in.UserID,
		Seq:         r.seq,
		Edit:        in.Edit,
		ServerTS:    now,
	}
	r.dedupe[in.OperationID] = op
	r.ops = append(r.ops, op)
	r.snapshot = Snapshot{Content: newContent, Version: r.seq, LastModified: now}
	r.initialized = true

	// Bound memory to avoid unbounded growth in dev. The snapshot stays
	// authoritative; only the replayable window shrinks.
	if len(r.ops) > memMaxOperationsPerRoom {
		r.ops = r.ops[len(r.ops)-memMaxOperationsPerRoom:]
	}

	return SubmitResult{Stored: op, NewContent: newContent, Version: r.seq}, nil
}

// ListSince returns operations with server timestamp strictly after
// in.After, oldest first, bounded by the limit.
func (s *InMemoryStore) ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error) {
	if in.RoomID == "" {
		return ListSinceResult{}, errors.New("oplog: missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return ListSinceResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	r := s.rooms[in.RoomID]
	var snap []Operation
	if r != nil {
		snap = append([]Operation(nil), r.ops...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListSinceResult{}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := sort.Search(len(snap), func(i int) bool { return snap[i].ServerTS.After(in.After) })
	if start >= len(snap) {
		return ListSinceResult{}, nil
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListSinceResult{Operations: out, HasMore: hasMore}, nil
}

// GetDocument returns the room snapshot, or an empty default when the room
// has no document yet.
func (s *InMemoryStore) GetDocument(ctx context.Context, roomID string) (Snapshot, error) {
	if roomID == "" {
		return Snapshot{}, errors.New("oplog: missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[roomID]
	if r == nil {
		return Snapshot{}, nil
	}
	return r.snapshot, nil
}

// InitializeDocument seeds the room snapshot; first writer wins.
func (s *InMemoryStore) InitializeDocument(ctx context.Context, roomID, content string, now time.Time) (bool, error) {
	if roomID == "" {
		return false, errors.New("oplog: missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(roomID)
	if r.initialized {
		return false, nil
	}
	r.snapshot = Snapshot{Content: content, Version: 0, LastModified: now}
	r.initialized = true
	return true, nil
}
