package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"coedit/cmd/internal/roster"
	v1 "coedit/contracts/sync/v1"
)

func startRelayTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /rooms/{room}/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialRelay(t *testing.T, baseHTTPURL, room string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/rooms/" + room + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn, timeout time.Duration) (v1.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return readEnvelope(ctx, conn)
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		env, err := readEnvelopeWS(t, conn, 5*time.Second)
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive %s within %d reads", typ, maxReads)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func sayHello(t *testing.T, conn *websocket.Conn, userID, displayName string) v1.HelloAckPayload {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "hello-" + userID,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.HelloPayload{UserID: userID, DisplayName: displayName}),
	})
	ackEnv := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	return ack
}

func TestWSGateway_HelloAckAssignsSessionAndColor(t *testing.T) {
	t.Setenv("COEDIT_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(testLogger(), NewHub(testLogger()), roster.NewInMemoryStore())
	ts := startRelayTestServer(t, gw)

	conn := dialRelay(t, ts.URL, "room-hello")
	ack := sayHello(t, conn, "alice", "Alice")

	if ack.SessionID == "" {
		t.Fatal("hello_ack missing session_id")
	}
	if ack.RoomID != "room-hello" {
		t.Fatalf("hello_ack room_id: got %q", ack.RoomID)
	}
	if ack.Color == "" {
		t.Fatal("hello_ack missing color")
	}
}

func TestWSGateway_RelaysVerbatimWithoutEcho(t *testing.T) {
	t.Setenv("COEDIT_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(testLogger(), NewHub(testLogger()), roster.NewInMemoryStore())
	ts := startRelayTestServer(t, gw)

	connA := dialRelay(t, ts.URL, "room-relay")
	connB := dialRelay(t, ts.URL, "room-relay")
	sayHello(t, connA, "alice", "Alice")
	sayHello(t, connB, "bob", "Bob")

	payload := mustJSONRaw(t, v1.DocUpdatePayload{Update: []byte{0x01, 0x02, 0x03}})
	sent := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDocUpdate,
		ID:      "update-1",
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	writeEnvelopeWS(t, connA, sent)

	got := readUntilType(t, connB, v1.TypeDocUpdate, 4)
	if got.ID != sent.ID {
		t.Fatalf("relayed envelope id: want %q, got %q", sent.ID, got.ID)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload not relayed verbatim:\nwant %s\ngot  %s", payload, got.Payload)
	}

	// The sender must not receive its own frame back.
	if env, err := readEnvelopeWS(t, connA, 300*time.Millisecond); err == nil {
		t.Fatalf("sender received echo: %s %s", env.Type, env.ID)
	}
}

func TestWSGateway_RoomsDoNotLeak(t *testing.T) {
	t.Setenv("COEDIT_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(testLogger(), NewHub(testLogger()), roster.NewInMemoryStore())
	ts := startRelayTestServer(t, gw)

	connA := dialRelay(t, ts.URL, "room-one")
	connB := dialRelay(t, ts.URL, "room-two")
	sayHello(t, connA, "alice", "Alice")
	sayHello(t, connB, "bob", "Bob")

	writeEnvelopeWS(t, connA, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDocUpdate,
		ID:      "update-isolated",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.DocUpdatePayload{Update: []byte("x")}),
	})

	if env, err := readEnvelopeWS(t, connB, 300*time.Millisecond); err == nil {
		t.Fatalf("frame leaked across rooms: %s %s", env.Type, env.ID)
	}
}

func TestWSGateway_RequiresHelloBeforeDocFrames(t *testing.T) {
	t.Setenv("COEDIT_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(testLogger(), NewHub(testLogger()), roster.NewInMemoryStore())
	ts := startRelayTestServer(t, gw)

	conn := dialRelay(t, ts.URL, "room-strict")
	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDocUpdate,
		ID:      "too-early",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.DocUpdatePayload{Update: []byte("x")}),
	})

	errEnv := readUntilType(t, conn, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "hello_required" {
		t.Fatalf("error code: want hello_required, got %q", p.Code)
	}
}

func TestWSGateway_RejectsJoinWhenRoomFull(t *testing.T) {
	t.Setenv("COEDIT_WS_ORIGIN_REQUIRED", "false")

	rooms := roster.NewInMemoryStore()
	now := time.Now().UTC()
	if _, err := rooms.CreateRoom(context.Background(), roster.CreateRoomInput{
		RoomID:          "room-small",
		OwnerUserID:     "alice",
		MaxParticipants: 1,
		Now:             now,
	}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	gw := NewWSGateway(testLogger(), NewHub(testLogger()), rooms)
	ts := startRelayTestServer(t, gw)

	connA := dialRelay(t, ts.URL, "room-small")
	sayHello(t, connA, "alice", "Alice")

	connB := dialRelay(t, ts.URL, "room-small")
	writeEnvelopeWS(t, connB, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "hello-bob",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.HelloPayload{UserID: "bob"}),
	})

	errEnv := readUntilType(t, connB, v1.TypeError, 4)
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "room_full" {
		t.Fatalf("error code: want room_full, got %q", p.Code)
	}
}

func TestWSGateway_ClearsAwarenessOnDisconnect(t *testing.T) {
	t.Setenv("COEDIT_WS_ORIGIN_REQUIRED", "false")

	gw := NewWSGateway(testLogger(), NewHub(testLogger()), roster.NewInMemoryStore())
	ts := startRelayTestServer(t, gw)

	connA := dialRelay(t, ts.URL, "room-aware")
	connB := dialRelay(t, ts.URL, "room-aware")
	sayHello(t, connA, "alice", "Alice")
	sayHello(t, connB, "bob", "Bob")

	fields := mustJSONRaw(t, v1.AwarenessFields{UserID: "alice", DisplayName: "Alice", Color: "#e6194b"})
	writeEnvelopeWS(t, connA, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAwareness,
		ID:      "aware-1",
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, v1.AwarenessPayload{ReplicaID: "rep-alice", Fields: fields}),
	})

	seen := readUntilType(t, connB, v1.TypeAwareness, 4)
	var present v1.AwarenessPayload
	if err := json.Unmarshal(seen.Payload, &present); err != nil {
		t.Fatalf("decode awareness: %v", err)
	}
	if present.ReplicaID != "rep-alice" || present.Fields == nil {
		t.Fatalf("awareness not relayed: %+v", present)
	}

	_ = connA.Close(websocket.StatusNormalClosure, "gone")

	cleared := readUntilType(t, connB, v1.TypeAwareness, 4)
	var clr v1.AwarenessPayload
	if err := json.Unmarshal(cleared.Payload, &clr); err != nil {
		t.Fatalf("decode awareness clear: %v", err)
	}
	if clr.ReplicaID != "rep-alice" {
		t.Fatalf("clear replica_id: got %q", clr.ReplicaID)
	}
	if clr.Fields != nil {
		t.Fatalf("clear should carry no fields, got %s", clr.Fields)
	}
}
