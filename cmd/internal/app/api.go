package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"coedit/cmd/internal/ids"
	"coedit/cmd/internal/oplog"
	"coedit/cmd/internal/roster"
	v1 "coedit/contracts/sync/v1"
)

const apiMaxBodyBytes = 1 << 20

// APIHandler serves the REST sync and roster surface under /v1.
type APIHandler struct {
	log     Logger
	ops     oplog.Store
	rooms   roster.Store
	metrics *Metrics
	now     func() time.Time
}

// NewAPIHandler wires the REST surface over the operation log and roster.
func NewAPIHandler(log Logger, ops oplog.Store, rooms roster.Store, metrics *Metrics) *APIHandler {
	return &APIHandler{
		log:     log,
		ops:     ops,
		rooms:   rooms,
		metrics: metrics,
		now:     time.Now,
	}
}

// Register mounts every /v1 route on the mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/rooms", h.createRoom)
	mux.HandleFunc("GET /v1/rooms/{room}", h.getRoom)
	mux.HandleFunc("DELETE /v1/rooms/{room}", h.closeRoom)
	mux.HandleFunc("POST /v1/rooms/{room}/join", h.joinRoom)
	mux.HandleFunc("POST /v1/rooms/{room}/leave", h.leaveRoom)
	mux.HandleFunc("POST /v1/rooms/{room}/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /v1/rooms/{room}/participants", h.listParticipants)

	mux.HandleFunc("POST /v1/rooms/{room}/operations", h.submitOperation)
	mux.HandleFunc("GET /v1/rooms/{room}/operations", h.listOperations)
	mux.HandleFunc("GET /v1/rooms/{room}/document", h.getDocument)
	mux.HandleFunc("POST /v1/rooms/{room}/document", h.initializeDocument)
}

// roomWritable reports whether sync writes may proceed for the room.
// Rooms unknown to the roster are implicit and always writable; the roster
// only gates rooms somebody explicitly created.
func (h *APIHandler) roomWritable(r *http.Request, roomID string) (bool, error) {
	if h.rooms == nil {
		return true, nil
	}
	room, err := h.rooms.GetRoom(r.Context(), roomID)
	if errors.Is(err, roster.ErrRoomNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return roster.RoomOpen(room, h.now()), nil
}

func (h *APIHandler) submitOperation(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	var req v1.SubmitOperationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.OperationID == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "operation_id and user_id are required")
		return
	}

	writable, err := h.roomWritable(r, roomID)
	if err != nil {
		h.internalError(w, "api.submit.room_check.fail", err)
		return
	}
	if !writable {
		h.metrics.submission(outcomeRejected)
		writeJSON(w, h.log, http.StatusConflict, v1.SubmitOperationResponse{
			Success: false,
			Reason:  v1.ReasonRoomClosed,
		})
		return
	}

	edit, err := oplog.EditFromWire(req.Operation)
	if err != nil {
		h.metrics.submission(outcomeRejected)
		writeJSON(w, h.log, http.StatusUnprocessableEntity, v1.SubmitOperationResponse{
			Success: false,
			Reason:  v1.ReasonInvalid,
		})
		return
	}

	res, err := h.ops.Submit(r.Context(), oplog.SubmitInput{
		RoomID:      roomID,
		OperationID: req.OperationID,
		UserID:      req.UserID,
		Edit:        edit,
		Now:         h.now(),
	})
	if errors.Is(err, oplog.ErrInvalidOperation) {
		h.metrics.submission(outcomeRejected)
		writeJSON(w, h.log, http.StatusUnprocessableEntity, v1.SubmitOperationResponse{
			Success: false,
			Reason:  v1.ReasonInvalid,
		})
		return
	}
	if err != nil {
		h.metrics.submission(outcomeError)
		h.internalError(w, "api.submit.fail", err)
		return
	}

	if res.Duplicated {
		h.metrics.submission(outcomeDuplicate)
		writeJSON(w, h.log, http.StatusOK, v1.SubmitOperationResponse{
			Success:    false,
			Reason:     v1.ReasonDuplicate,
			NewContent: res.NewContent,
			Version:    res.Version,
		})
		return
	}

	h.metrics.submission(outcomeApplied)
	writeJSON(w, h.log, http.StatusOK, v1.SubmitOperationResponse{
		Success:    true,
		NewContent: res.NewContent,
		Version:    res.Version,
	})
}

func (h *APIHandler) listOperations(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	var after time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "bad_request", "after must be RFC3339")
			return
		}
		after = t
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	res, err := h.ops.ListSince(r.Context(), oplog.ListSinceInput{
		RoomID: roomID,
		After:  after,
		Limit:  limit,
	})
	if err != nil {
		h.internalError(w, "api.list_operations.fail", err)
		return
	}

	out := v1.ListOperationsResponse{
		Operations: make([]v1.LoggedOperation, 0, len(res.Operations)),
		HasMore:    res.HasMore,
	}
	for _, op := range res.Operations {
		out.Operations = append(out.Operations, oplog.OperationToWire(op))
	}
	writeJSON(w, h.log, http.StatusOK, out)
}

func (h *APIHandler) getDocument(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	snap, err := h.ops.GetDocument(r.Context(), roomID)
	if err != nil {
		h.internalError(w, "api.get_document.fail", err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, v1.DocumentStateResponse{
		Content:      snap.Content,
		Version:      snap.Version,
		LastModified: snap.LastModified,
	})
}

func (h *APIHandler) initializeDocument(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	var req v1.InitializeDocumentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	writable, err := h.roomWritable(r, roomID)
	if err != nil {
		h.internalError(w, "api.initialize.room_check.fail", err)
		return
	}
	if !writable {
		writeJSON(w, h.log, http.StatusConflict, v1.InitializeDocumentResponse{
			Success: false,
			Reason:  v1.ReasonRoomClosed,
		})
		return
	}

	seeded, err := h.ops.InitializeDocument(r.Context(), roomID, req.Content, h.now())
	if err != nil {
		h.internalError(w, "api.initialize.fail", err)
		return
	}
	if !seeded {
		writeJSON(w, h.log, http.StatusOK, v1.InitializeDocumentResponse{
			Success: false,
			Reason:  v1.ReasonInitialized,
		})
		return
	}

	h.metrics.seeded()
	writeJSON(w, h.log, http.StatusOK, v1.InitializeDocumentResponse{Success: true})
}

func (h *APIHandler) createRoom(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}

	var req v1.CreateRoomRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerUserID == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "owner_user_id is required")
		return
	}

	now := h.now()
	roomID := req.RoomID
	if roomID == "" {
		minted, err := ids.NewULID(now)
		if err != nil {
			h.internalError(w, "api.room.id.fail", err)
			return
		}
		roomID = minted
	}
	var expires *time.Time
	if req.TTLSeconds > 0 {
		t := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		expires = &t
	}

	room, err := h.rooms.CreateRoom(r.Context(), roster.CreateRoomInput{
		RoomID:          roomID,
		OwnerUserID:     req.OwnerUserID,
		MaxParticipants: req.MaxParticipants,
		ExpiresAt:       expires,
		Now:             now,
	})
	if err != nil {
		h.internalError(w, "api.room.create.fail", err)
		return
	}

	h.log.Info("api.room.created", "room_id", room.ID, "owner", room.OwnerUserID)
	writeJSON(w, h.log, http.StatusCreated, roomToWire(room))
}

func (h *APIHandler) getRoom(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}
	room, err := h.rooms.GetRoom(r.Context(), r.PathValue("room"))
	if errors.Is(err, roster.ErrRoomNotFound) {
		h.writeError(w, http.StatusNotFound, "room_not_found", "no such room")
		return
	}
	if err != nil {
		h.internalError(w, "api.room.get.fail", err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, roomToWire(room))
}

func (h *APIHandler) closeRoom(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}
	roomID := r.PathValue("room")
	if err := h.rooms.CloseRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, roster.ErrRoomNotFound) {
			h.writeError(w, http.StatusNotFound, "room_not_found", "no such room")
			return
		}
		h.internalError(w, "api.room.close.fail", err)
		return
	}
	h.log.Info("api.room.closed", "room_id", roomID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) joinRoom(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}

	var req v1.JoinRoomRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	p, err := h.rooms.Join(r.Context(), roster.JoinInput{
		RoomID:      r.PathValue("room"),
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Now:         h.now(),
	})
	switch {
	case errors.Is(err, roster.ErrRoomNotFound):
		h.writeError(w, http.StatusNotFound, "room_not_found", "no such room")
		return
	case errors.Is(err, roster.ErrRoomClosed):
		h.writeError(w, http.StatusConflict, "room_closed", "room is closed or expired")
		return
	case errors.Is(err, roster.ErrRoomFull):
		h.writeError(w, http.StatusConflict, "room_full", "room is at capacity")
		return
	case err != nil:
		h.internalError(w, "api.room.join.fail", err)
		return
	}

	writeJSON(w, h.log, http.StatusOK, participantToWire(p))
}

func (h *APIHandler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}
	var req v1.LeaveRoomRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}
	if err := h.rooms.Leave(r.Context(), r.PathValue("room"), req.UserID); err != nil {
		h.internalError(w, "api.room.leave.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}
	var req v1.HeartbeatRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}
	var cursor *roster.Cursor
	if req.Cursor != nil {
		cursor = &roster.Cursor{Line: req.Cursor.Line, Column: req.Cursor.Column, File: req.Cursor.File}
	}
	if err := h.rooms.Heartbeat(r.Context(), r.PathValue("room"), req.UserID, cursor, h.now()); err != nil {
		h.internalError(w, "api.room.heartbeat.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) listParticipants(w http.ResponseWriter, r *http.Request) {
	if h.rooms == nil {
		h.writeError(w, http.StatusNotImplemented, "roster_disabled", "room management is not enabled")
		return
	}
	activeOnly := r.URL.Query().Get("all") == ""
	parts, err := h.rooms.Participants(r.Context(), r.PathValue("room"), activeOnly)
	if err != nil {
		h.internalError(w, "api.room.participants.fail", err)
		return
	}
	out := v1.ListParticipantsResponse{Participants: make([]v1.ParticipantView, 0, len(parts))}
	for _, p := range parts {
		out.Participants = append(out.Participants, participantToWire(p))
	}
	writeJSON(w, h.log, http.StatusOK, out)
}

func roomToWire(r roster.Room) v1.RoomView {
	return v1.RoomView{
		RoomID:          r.ID,
		OwnerUserID:     r.OwnerUserID,
		Active:          r.Active,
		MaxParticipants: r.MaxParticipants,
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
	}
}

func participantToWire(p roster.Participant) v1.ParticipantView {
	out := v1.ParticipantView{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Role:        p.Role,
		Active:      p.Active,
		LastSeen:    p.LastSeen,
	}
	if p.Cursor != nil {
		out.Cursor = &v1.CursorRef{Line: p.Cursor.Line, Column: p.Cursor.Column, File: p.Cursor.File}
	}
	return out
}

func (h *APIHandler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return false
	}
	return true
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, h.log, status, v1.APIError{Code: code, Message: msg})
}

func (h *APIHandler) internalError(w http.ResponseWriter, event string, err error) {
	h.log.Error(event, "err", err)
	h.writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, log Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && log != nil {
		log.Error("http.write.fail", "err", err)
	}
}
