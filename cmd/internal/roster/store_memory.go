package roster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"coedit/cmd/internal/presence"
)

const defaultMaxParticipants = 8

// InMemoryStore is the dev/test fallback when DB is not configured.
type InMemoryStore struct {
	mu           sync.Mutex
	rooms        map[string]Room
	participants map[string]map[string]Participant // room_id -> user_id -> record
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:        make(map[string]Room),
		participants: make(map[string]map[string]Participant),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateRoom registers a room; recreating an existing id is an error.
func (s *InMemoryStore) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	if in.RoomID == "" || in.OwnerUserID == "" {
		return Room{}, errors.New("roster: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	maxP := in.MaxParticipants
	if maxP <= 0 {
		maxP = defaultMaxParticipants
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[in.RoomID]; ok {
		return Room{}, errors.New("roster: room already exists")
	}

	r := Room{
		ID:              in.RoomID,
		OwnerUserID:     in.OwnerUserID,
		Active:          true,
		MaxParticipants: maxP,
		ExpiresAt:       in.ExpiresAt,
		CreatedAt:       now,
	}
	s.rooms[in.RoomID] = r
	return r, nil
}

// GetRoom returns the room or ErrRoomNotFound.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r, nil
}

// CloseRoom deactivates a room; its records are retained.
func (s *InMemoryStore) CloseRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.Active = false
	s.rooms[roomID] = r
	return nil
}

// Join admits a user, reactivating their existing record on rejoin. The
// capacity check and the membership write happen under one lock so racing
// joins cannot both squeeze into the last slot.
func (s *InMemoryStore) Join(ctx context.Context, in JoinInput) (Participant, error) {
	if in.RoomID == "" || in.UserID == "" {
		return Participant{}, errors.New("roster: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return Participant{}, ErrRoomNotFound
	}
	if !RoomOpen(r, now) {
		return Participant{}, ErrRoomClosed
	}

	members := s.participants[in.RoomID]
	if members == nil {
		members = make(map[string]Participant)
		s.participants[in.RoomID] = members
	}

	if existing, ok := members[in.UserID]; ok {
		// Rejoin: update, never duplicate. Reactivating an inactive record
		// takes a seat again, so it passes the same capacity gate as a new
		// member.
		if !existing.Active && activeCount(members) >= r.MaxParticipants {
			return Participant{}, ErrRoomFull
		}
		existing.Active = true
		existing.LastSeen = now
		if in.DisplayName != "" {
			existing.DisplayName = in.DisplayName
		}
		members[in.UserID] = existing
		return existing, nil
	}

	if activeCount(members) >= r.MaxParticipants {
		return Participant{}, ErrRoomFull
	}

	role := RoleCollaborator
	if in.UserID == r.OwnerUserID {
		role = RoleHost
	}

	p := Participant{
		RoomID:      in.RoomID,
		UserID:      in.UserID,
		DisplayName: in.DisplayName,
		Color:       presence.ColorFor(in.UserID),
		Role:        role,
		Active:      true,
		LastSeen:    now,
	}
	members[in.UserID] = p
	return p, nil
}

func activeCount(members map[string]Participant) int {
	n := 0
	for _, p := range members {
		if p.Active {
			n++
		}
	}
	return n
}

// Leave marks the participant inactive.
func (s *InMemoryStore) Leave(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[roomID][userID]
	if !ok {
		return nil
	}
	p.Active = false
	p.Cursor = nil
	s.participants[roomID][userID] = p
	return nil
}

// Heartbeat refreshes liveness and optionally the cursor.
func (s *InMemoryStore) Heartbeat(ctx context.Context, roomID, userID string, cursor *Cursor, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[roomID][userID]
	if !ok {
		return ErrRoomNotFound
	}
	p.LastSeen = now
	p.Active = true
	if cursor != nil {
		c := *cursor
		p.Cursor = &c
	}
	s.participants[roomID][userID] = p
	return nil
}

// Participants lists a room's members ordered by user id.
func (s *InMemoryStore) Participants(ctx context.Context, roomID string, activeOnly bool) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.participants[roomID]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SweepStale deactivates silent participants and expired rooms.
func (s *InMemoryStore) SweepStale(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cut := now.Add(-window)
	swept := 0
	for _, members := range s.participants {
		for userID, p := range members {
			if p.Active && p.LastSeen.Before(cut) {
				p.Active = false
				p.Cursor = nil
				members[userID] = p
				swept++
			}
		}
	}

	for id, r := range s.rooms {
		if r.Active && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
			r.Active = false
			s.rooms[id] = r
		}
	}
	return swept, nil
}
