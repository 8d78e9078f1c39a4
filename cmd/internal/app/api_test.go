package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coedit/cmd/internal/diff"
	"coedit/cmd/internal/oplog"
	"coedit/cmd/internal/reconcile"
	"coedit/cmd/internal/roster"
	v1 "coedit/contracts/sync/v1"
)

func newTestAPI(t *testing.T) (*httptest.Server, roster.Store) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rooms := roster.NewInMemoryStore()
	h := NewAPIHandler(log, oplog.NewInMemoryStore(), rooms, nil)

	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rooms
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("decode response: %v", err)
		}
	}
	return res.StatusCode
}

func TestSubmitAppliesAndLogsOperation(t *testing.T) {
	srv, _ := newTestAPI(t)

	var initRes v1.InitializeDocumentResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/document",
		v1.InitializeDocumentRequest{Content: "hello", UserID: "alice"}, &initRes)
	if status != http.StatusOK || !initRes.Success {
		t.Fatalf("initialize: status=%d success=%v", status, initRes.Success)
	}

	var subRes v1.SubmitOperationResponse
	status = doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/operations",
		v1.SubmitOperationRequest{
			Operation:   v1.OperationBody{Type: v1.OpInsert, Position: 5, Content: " world"},
			OperationID: "op-1",
			UserID:      "alice",
		}, &subRes)
	if status != http.StatusOK || !subRes.Success {
		t.Fatalf("submit: status=%d res=%+v", status, subRes)
	}
	if subRes.NewContent != "hello world" || subRes.Version != 1 {
		t.Fatalf("unexpected state after submit: %+v", subRes)
	}

	var doc v1.DocumentStateResponse
	status = doJSON(t, http.MethodGet, srv.URL+"/v1/rooms/r1/document", nil, &doc)
	if status != http.StatusOK || doc.Content != "hello world" || doc.Version != 1 {
		t.Fatalf("document: status=%d doc=%+v", status, doc)
	}

	var list v1.ListOperationsResponse
	status = doJSON(t, http.MethodGet, srv.URL+"/v1/rooms/r1/operations", nil, &list)
	if status != http.StatusOK || len(list.Operations) != 1 {
		t.Fatalf("list: status=%d ops=%d", status, len(list.Operations))
	}
	if list.Operations[0].OperationID != "op-1" || list.Operations[0].UserID != "alice" {
		t.Fatalf("unexpected logged op: %+v", list.Operations[0])
	}
}

func TestSubmitDuplicateReportsWithoutReapplying(t *testing.T) {
	srv, _ := newTestAPI(t)

	req := v1.SubmitOperationRequest{
		Operation:   v1.OperationBody{Type: v1.OpInsert, Position: 0, Content: "x"},
		OperationID: "op-dup",
		UserID:      "alice",
	}

	var first, second v1.SubmitOperationResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/operations", req, &first)
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/operations", req, &second)

	if status != http.StatusOK {
		t.Fatalf("duplicate submit status=%d", status)
	}
	if second.Success || second.Reason != v1.ReasonDuplicate {
		t.Fatalf("duplicate not reported: %+v", second)
	}
	if second.NewContent != first.NewContent || second.Version != first.Version {
		t.Fatalf("duplicate changed state: first=%+v second=%+v", first, second)
	}
}

func TestSubmitRejectsOutOfBoundsOperation(t *testing.T) {
	srv, _ := newTestAPI(t)

	var res v1.SubmitOperationResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/operations",
		v1.SubmitOperationRequest{
			Operation:   v1.OperationBody{Type: v1.OpDelete, Position: 10, Length: 3},
			OperationID: "op-bad",
			UserID:      "alice",
		}, &res)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	if res.Success || res.Reason != v1.ReasonInvalid {
		t.Fatalf("unexpected rejection body: %+v", res)
	}
}

func TestSubmitRejectedWhenRoomClosed(t *testing.T) {
	srv, _ := newTestAPI(t)

	var room v1.RoomView
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/rooms",
		v1.CreateRoomRequest{RoomID: "closed-room", OwnerUserID: "alice"}, &room)
	if status != http.StatusCreated {
		t.Fatalf("create room status=%d", status)
	}

	if status = doJSON(t, http.MethodDelete, srv.URL+"/v1/rooms/closed-room", nil, nil); status != http.StatusNoContent {
		t.Fatalf("close room status=%d", status)
	}

	var res v1.SubmitOperationResponse
	status = doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/closed-room/operations",
		v1.SubmitOperationRequest{
			Operation:   v1.OperationBody{Type: v1.OpInsert, Position: 0, Content: "x"},
			OperationID: "op-1",
			UserID:      "alice",
		}, &res)
	if status != http.StatusConflict || res.Reason != v1.ReasonRoomClosed {
		t.Fatalf("expected room_closed conflict, got status=%d res=%+v", status, res)
	}
}

func TestInitializeDocumentFirstWriterWins(t *testing.T) {
	srv, _ := newTestAPI(t)

	var first, second v1.InitializeDocumentResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/document",
		v1.InitializeDocumentRequest{Content: "alpha", UserID: "alice"}, &first)
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/r1/document",
		v1.InitializeDocumentRequest{Content: "beta", UserID: "bob"}, &second)

	if !first.Success {
		t.Fatalf("first initialize should win: %+v", first)
	}
	if second.Success || second.Reason != v1.ReasonInitialized {
		t.Fatalf("second initialize should lose: %+v", second)
	}

	var doc v1.DocumentStateResponse
	doJSON(t, http.MethodGet, srv.URL+"/v1/rooms/r1/document", nil, &doc)
	if doc.Content != "alpha" {
		t.Fatalf("content overwritten by losing initialize: %q", doc.Content)
	}
}

func TestRoomLifecycleAndParticipants(t *testing.T) {
	srv, _ := newTestAPI(t)

	var room v1.RoomView
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms",
		v1.CreateRoomRequest{RoomID: "team", OwnerUserID: "alice", MaxParticipants: 3}, &room)
	if room.RoomID != "team" || !room.Active {
		t.Fatalf("unexpected room: %+v", room)
	}

	var owner, guest v1.ParticipantView
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/team/join",
		v1.JoinRoomRequest{UserID: "alice", DisplayName: "Alice"}, &owner)
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/team/join",
		v1.JoinRoomRequest{UserID: "bob", DisplayName: "Bob"}, &guest)

	if owner.Role != roster.RoleHost || guest.Role != roster.RoleCollaborator {
		t.Fatalf("roles: owner=%q guest=%q", owner.Role, guest.Role)
	}
	if owner.Color == "" || guest.Color == "" {
		t.Fatalf("colors not assigned: owner=%q guest=%q", owner.Color, guest.Color)
	}

	status := doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/team/heartbeat",
		v1.HeartbeatRequest{UserID: "bob", Cursor: &v1.CursorRef{Line: 3, Column: 7}}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("heartbeat status=%d", status)
	}

	var parts v1.ListParticipantsResponse
	doJSON(t, http.MethodGet, srv.URL+"/v1/rooms/team/participants", nil, &parts)
	if len(parts.Participants) != 2 {
		t.Fatalf("participants=%d want 2", len(parts.Participants))
	}
	var bob *v1.ParticipantView
	for i := range parts.Participants {
		if parts.Participants[i].UserID == "bob" {
			bob = &parts.Participants[i]
		}
	}
	if bob == nil || bob.Cursor == nil || bob.Cursor.Line != 3 || bob.Cursor.Column != 7 {
		t.Fatalf("bob cursor not tracked: %+v", bob)
	}

	status = doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/team/leave",
		v1.LeaveRoomRequest{UserID: "bob"}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("leave status=%d", status)
	}

	doJSON(t, http.MethodGet, srv.URL+"/v1/rooms/team/participants", nil, &parts)
	if len(parts.Participants) != 1 || parts.Participants[0].UserID != "alice" {
		t.Fatalf("expected only alice active: %+v", parts.Participants)
	}
}

func TestJoinFullRoomReturnsConflict(t *testing.T) {
	srv, _ := newTestAPI(t)

	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms",
		v1.CreateRoomRequest{RoomID: "tiny", OwnerUserID: "alice", MaxParticipants: 1}, nil)
	doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/tiny/join",
		v1.JoinRoomRequest{UserID: "alice"}, nil)

	var apiErr v1.APIError
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/rooms/tiny/join",
		v1.JoinRoomRequest{UserID: "bob"}, &apiErr)
	if status != http.StatusConflict || apiErr.Code != "room_full" {
		t.Fatalf("expected room_full conflict, got status=%d err=%+v", status, apiErr)
	}
}

// The REST client used by editor reconcilers must round-trip against these
// handlers without translation glue.
func TestRESTClientAgainstHandlers(t *testing.T) {
	srv, _ := newTestAPI(t)

	client, err := reconcile.NewHTTPClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()

	seeded, err := client.InitializeDocument(ctx, "shared", "base", time.Now())
	if err != nil || !seeded {
		t.Fatalf("initialize via client: seeded=%v err=%v", seeded, err)
	}

	res, err := client.Submit(ctx, oplog.SubmitInput{
		RoomID:      "shared",
		OperationID: "cli-1",
		UserID:      "alice",
		Edit:        diff.Edit{Kind: diff.Insert, Pos: 4, Text: "line"},
		Now:         time.Now(),
	})
	if err != nil {
		t.Fatalf("submit via client: %v", err)
	}
	if res.NewContent != "baseline" || res.Version != 1 {
		t.Fatalf("unexpected submit result: %+v", res)
	}

	list, err := client.ListSince(ctx, oplog.ListSinceInput{RoomID: "shared"})
	if err != nil {
		t.Fatalf("list via client: %v", err)
	}
	if len(list.Operations) != 1 || list.Operations[0].OperationID != "cli-1" {
		t.Fatalf("unexpected list: %+v", list.Operations)
	}

	snap, err := client.GetDocument(ctx, "shared")
	if err != nil || snap.Content != "baseline" {
		t.Fatalf("document via client: snap=%+v err=%v", snap, err)
	}
}
