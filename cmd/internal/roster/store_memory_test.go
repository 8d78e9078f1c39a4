package roster

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustCreateRoom(t *testing.T, s Store, in CreateRoomInput) Room {
	t.Helper()
	r, err := s.CreateRoom(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return r
}

func TestJoinRejectsWhenFull(t *testing.T) {
	s := NewInMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mustCreateRoom(t, s, CreateRoomInput{
		RoomID: "r1", OwnerUserID: "alice", MaxParticipants: 2, Now: now,
	})

	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "alice", Now: now}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", Now: now}); err != nil {
		t.Fatalf("second join: %v", err)
	}

	_, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "carol", Now: now})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join: want ErrRoomFull, got %v", err)
	}

	// A slot frees up once someone leaves.
	if err := s.Leave(ctx, "r1", "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "carol", Now: now}); err != nil {
		t.Fatalf("join after leave: %v", err)
	}
}

func TestRejoinCountsAgainstCapacity(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mustCreateRoom(t, s, CreateRoomInput{
		RoomID: "r1", OwnerUserID: "alice", MaxParticipants: 2, Now: base,
	})

	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "alice", Now: base}); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", Now: base}); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	// Alice goes silent and gets swept; her freed seat goes to carol.
	if err := s.Heartbeat(ctx, "r1", "bob", nil, base.Add(9*time.Minute)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := s.SweepStale(ctx, 5*time.Minute, base.Add(10*time.Minute)); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "carol", Now: base.Add(10 * time.Minute)}); err != nil {
		t.Fatalf("join carol: %v", err)
	}

	// Reactivating alice's record would exceed capacity now.
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "alice", Now: base.Add(11 * time.Minute)}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("rejoin into full room: want ErrRoomFull, got %v", err)
	}

	// Rejoining while still active stays free of the gate.
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", Now: base.Add(11 * time.Minute)}); err != nil {
		t.Fatalf("rejoin while active: %v", err)
	}
}

func TestRejoinReactivatesWithoutDuplicating(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mustCreateRoom(t, s, CreateRoomInput{RoomID: "r1", OwnerUserID: "alice", Now: now})

	first, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", DisplayName: "Bob", Now: now})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Leave(ctx, "r1", "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	later := now.Add(5 * time.Minute)
	second, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", DisplayName: "Bobby", Now: later})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !second.Active {
		t.Fatal("rejoined participant should be active")
	}
	if second.DisplayName != "Bobby" {
		t.Fatalf("rejoin display name: got %q", second.DisplayName)
	}
	if second.Color != first.Color {
		t.Fatalf("color changed across rejoin: %q vs %q", second.Color, first.Color)
	}

	all, err := s.Participants(ctx, "r1", false)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("want 1 record for bob, got %d", len(all))
	}
}

func TestOwnerJoinsAsHost(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRoom(t, s, CreateRoomInput{RoomID: "r1", OwnerUserID: "alice", Now: now})

	owner, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "alice", Now: now})
	if err != nil {
		t.Fatalf("owner join: %v", err)
	}
	if owner.Role != RoleHost {
		t.Fatalf("owner role: got %q", owner.Role)
	}

	guest, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", Now: now})
	if err != nil {
		t.Fatalf("guest join: %v", err)
	}
	if guest.Role != RoleCollaborator {
		t.Fatalf("guest role: got %q", guest.Role)
	}
}

func TestJoinClosedAndExpiredRooms(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mustCreateRoom(t, s, CreateRoomInput{RoomID: "closed", OwnerUserID: "alice", Now: now})
	if err := s.CloseRoom(ctx, "closed"); err != nil {
		t.Fatalf("CloseRoom: %v", err)
	}
	if _, err := s.Join(ctx, JoinInput{RoomID: "closed", UserID: "bob", Now: now}); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("join closed room: want ErrRoomClosed, got %v", err)
	}

	exp := now.Add(-time.Minute)
	mustCreateRoom(t, s, CreateRoomInput{RoomID: "expired", OwnerUserID: "alice", ExpiresAt: &exp, Now: now.Add(-time.Hour)})
	if _, err := s.Join(ctx, JoinInput{RoomID: "expired", UserID: "bob", Now: now}); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("join expired room: want ErrRoomClosed, got %v", err)
	}

	if _, err := s.Join(ctx, JoinInput{RoomID: "missing", UserID: "bob", Now: now}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("join missing room: want ErrRoomNotFound, got %v", err)
	}
}

func TestHeartbeatTracksCursor(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mustCreateRoom(t, s, CreateRoomInput{RoomID: "r1", OwnerUserID: "alice", Now: now})
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "alice", Now: now}); err != nil {
		t.Fatalf("join: %v", err)
	}

	cur := &Cursor{Line: 3, Column: 14, File: "main.go"}
	if err := s.Heartbeat(ctx, "r1", "alice", cur, now.Add(time.Second)); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	ps, err := s.Participants(ctx, "r1", true)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(ps) != 1 || ps[0].Cursor == nil {
		t.Fatalf("cursor not recorded: %+v", ps)
	}
	if ps[0].Cursor.Line != 3 || ps[0].Cursor.Column != 14 || ps[0].Cursor.File != "main.go" {
		t.Fatalf("cursor mismatch: %+v", *ps[0].Cursor)
	}
	if !ps[0].LastSeen.Equal(now.Add(time.Second)) {
		t.Fatalf("last seen not refreshed: %v", ps[0].LastSeen)
	}

	if err := s.Heartbeat(ctx, "r1", "nobody", nil, now); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("heartbeat for unknown member: want ErrRoomNotFound, got %v", err)
	}
}

func TestSweepStaleDeactivatesSilentMembersAndExpiredRooms(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	exp := base.Add(20 * time.Minute)
	mustCreateRoom(t, s, CreateRoomInput{RoomID: "r1", OwnerUserID: "alice", ExpiresAt: &exp, Now: base})

	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "alice", Now: base}); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: "bob", Now: base}); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	// Bob keeps heartbeating, Alice goes silent.
	if err := s.Heartbeat(ctx, "r1", "bob", nil, base.Add(9*time.Minute)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	swept, err := s.SweepStale(ctx, 5*time.Minute, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept: want 1, got %d", swept)
	}

	active, err := s.Participants(ctx, "r1", true)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "bob" {
		t.Fatalf("active after sweep: %+v", active)
	}

	// Past the expiry, the room itself is deactivated.
	if _, err := s.SweepStale(ctx, 5*time.Minute, base.Add(30*time.Minute)); err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	r, err := s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if r.Active {
		t.Fatal("expired room should be inactive after sweep")
	}
}

func TestParticipantsOrderedByUserID(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRoom(t, s, CreateRoomInput{RoomID: "r1", OwnerUserID: "zed", Now: now})
	for _, id := range []string{"zed", "mia", "ana"} {
		if _, err := s.Join(ctx, JoinInput{RoomID: "r1", UserID: id, Now: now}); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	ps, err := s.Participants(ctx, "r1", false)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	got := make([]string, 0, len(ps))
	for _, p := range ps {
		got = append(got, p.UserID)
	}
	want := []string{"ana", "mia", "zed"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v want %v", got, want)
		}
	}
}
