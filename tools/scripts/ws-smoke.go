// Package main provides a CI-friendly WebSocket smoke test for the coedit relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment with color assignment
//   - doc_update fanout to the other client
//   - no echo of a client's own doc_update
//   - sync_request relayed verbatim
//   - awareness relayed, then cleared when the sender disconnects
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "coedit/contracts/sync/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "coedit.sync.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	color     string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/rooms/dev-room-1/ws", "WebSocket URL (room in path)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, "smoke-alice", *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, "smoke-bob", *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s) origin=%q\n", a.sessionID, a.color, b.sessionID, b.color, *origin)
	}

	update := []byte{0x01, 0x02, 0x03, 0x42}
	mustRelayDocUpdate(root, a, b, update, *timeout)
	mustAssertNoType(root, a, v1.TypeDocUpdate, 1200*time.Millisecond)

	sv := []byte{0x00, 0x01}
	mustRelaySyncRequest(root, b, a, sv, *timeout)

	mustRelayAwareness(root, a, b, "smoke-rep-a", *timeout)

	closeWS(a.conn)
	mustAssertAwarenessCleared(root, b, "smoke-rep-a", *timeout)

	fmt.Printf("OK: A=%s B=%s\n", a.sessionID, b.sessionID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path (room segment required)")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{UserID: userID, DisplayName: name}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if strings.TrimSpace(p.Color) == "" {
		fatalf("hello_ack missing color (%s)", name)
	}
	c.sessionID = p.SessionID
	c.color = p.Color

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustRelayDocUpdate(parent context.Context, from, to *smokeClient, update []byte, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeDocUpdate,
		ID:      fmt.Sprintf("%s-update-%d", from.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.DocUpdatePayload{Update: update}),
	}
	mustWriteWithTimeout(parent, from.conn, env, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeDocUpdate, stepTimeout, nil)

	var p v1.DocUpdatePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal doc_update payload (%s): %v", to.name, err)
	}
	if !bytes.Equal(p.Update, update) {
		fatalf("doc_update not relayed verbatim (%s): got=%x want=%x", to.name, p.Update, update)
	}
}

func mustRelaySyncRequest(parent context.Context, from, to *smokeClient, stateVector []byte, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSyncRequest,
		ID:      fmt.Sprintf("%s-sync-%d", from.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SyncRequestPayload{StateVector: stateVector}),
	}
	mustWriteWithTimeout(parent, from.conn, env, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeSyncRequest, stepTimeout, nil)

	var p v1.SyncRequestPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal sync_request payload (%s): %v", to.name, err)
	}
	if !bytes.Equal(p.StateVector, stateVector) {
		fatalf("sync_request not relayed verbatim (%s)", to.name)
	}
}

func mustRelayAwareness(parent context.Context, from, to *smokeClient, replicaID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeAwareness,
		ID:   fmt.Sprintf("%s-aware-%d", from.name, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.AwarenessPayload{
			ReplicaID: replicaID,
			Fields: mustJSON(v1.AwarenessFields{
				DisplayName: from.name,
				Color:       from.color,
				Cursor:      &v1.Cursor{Line: 1, Column: 1},
			}),
		}),
	}
	mustWriteWithTimeout(parent, from.conn, env, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeAwareness, stepTimeout, nil)

	var p v1.AwarenessPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal awareness payload (%s): %v", to.name, err)
	}
	if p.ReplicaID != replicaID {
		fatalf("awareness replica mismatch (%s): got=%q want=%q", to.name, p.ReplicaID, replicaID)
	}
	if len(p.Fields) == 0 {
		fatalf("awareness fields missing (%s)", to.name)
	}
}

func mustAssertAwarenessCleared(parent context.Context, c *smokeClient, replicaID string, stepTimeout time.Duration) {
	got := c.mustReadUntilType(parent, v1.TypeAwareness, stepTimeout, nil)

	var p v1.AwarenessPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal awareness payload (%s): %v", c.name, err)
	}
	if p.ReplicaID != replicaID {
		fatalf("clearing awareness replica mismatch (%s): got=%q want=%q", c.name, p.ReplicaID, replicaID)
	}
	if len(p.Fields) != 0 && string(p.Fields) != "null" {
		fatalf("awareness not cleared (%s): fields=%s", c.name, string(p.Fields))
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			// The relay may interleave awareness traffic; skip it by default.
			if env.Type == v1.TypeAwareness && wantType != v1.TypeAwareness {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
