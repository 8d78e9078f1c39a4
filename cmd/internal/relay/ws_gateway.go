package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"coedit/cmd/internal/roster"
	v1 "coedit/contracts/sync/v1"
)

const (
	wsSubprotocolV1 = "coedit.sync.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for the sync relay.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and forwards document frames verbatim to room peers. The
// gateway never inspects, reorders, or deduplicates document payloads.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	rooms   roster.Store
	bridge  *RedisBridge
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// A nil hub falls back to a fresh in-memory hub. rooms, bridge, and metrics
// are optional: nil disables membership enforcement, cross-node fanout, and
// instrumentation respectively.
func NewWSGateway(log *slog.Logger, hub *Hub, rooms roster.Store) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, rooms: rooms}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("COEDIT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COEDIT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COEDIT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COEDIT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COEDIT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("COEDIT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COEDIT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COEDIT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COEDIT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COEDIT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// WithBridge attaches a cross-node pub/sub bridge.
func (g *WSGateway) WithBridge(b *RedisBridge) *WSGateway {
	g.bridge = b
	return g
}

// WithMetrics attaches instrumentation and wires backpressure-drop counting.
func (g *WSGateway) WithMetrics(m *Metrics) *WSGateway {
	g.metrics = m
	g.hub.OnDrop(func(string) { m.dropped() })
	return g
}

// Hub exposes the gateway's hub for shutdown draining.
func (g *WSGateway) Hub() *Hub {
	return g.hub
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state established by the hello handshake.
type session struct {
	userID    string
	replicaID string // last replica announced via awareness, for drop cleanup
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
// The room is named purely by the URL path segment.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := roomIDFromRequest(r)
	if roomID == "" {
		http.Error(w, "missing room", http.StatusNotFound)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		sessionID = NewRandomHex(10)
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.metrics.connOpened()

	var (
		closeOnce sync.Once
		room      *Room
		sess      *session
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if room != nil {
				// Peers clear the dropped replica's presence.
				if sess != nil && sess.replicaID != "" {
					clear := g.awarenessClear(sess.replicaID)
					room.Broadcast(clear, sessionID)
					g.bridgePublish(roomID, sessionID, clear)
				}
				room.Leave(sessionID)
				if g.rooms != nil && sess != nil {
					leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 2*time.Second)
					if err := g.rooms.Leave(leaveCtx, roomID, sess.userID); err != nil {
						g.log.Info("ws.roster.leave.fail", "room_id", roomID, "user_id", sess.userID, "err", err)
					}
					leaveCancel()
				}
				room = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.connClosed()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusGoingAway, "server draining")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendErrorNow(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			s, err := g.onHello(ctx, client, roomID, env, now)
			if err != nil {
				g.metrics.helloFailed()
				g.sendErrorNow(ctx, conn, helloErrorCode(err), err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			sess = s
			if room == nil {
				room = g.hub.GetOrCreateRoom(roomID)
				room.Join(client)
			}

		case v1.TypeDocUpdate, v1.TypeSyncRequest:
			// Verbatim relay to everyone else in the room. The payload is
			// opaque here: convergence belongs to the clients' merge.
			if room == nil {
				g.trySendError(ctx, client, "hello_required", "say hello first")
				continue readLoop
			}
			room.Broadcast(env, sessionID)
			g.bridgePublish(roomID, sessionID, env)
			g.metrics.relayed(env.Type)

		case v1.TypeAwareness:
			if room == nil {
				g.trySendError(ctx, client, "hello_required", "say hello first")
				continue readLoop
			}
			g.onAwareness(ctx, sess, roomID, env, now)
			room.Broadcast(env, sessionID)
			g.bridgePublish(roomID, sessionID, env)
			g.metrics.relayed(env.Type)

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, roomID string, env v1.Envelope, now time.Time) (*session, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	client.UserID = userID

	var color string
	if g.rooms != nil {
		member, err := g.joinRoster(ctx, roomID, userID, p.DisplayName, now)
		if err != nil {
			return nil, err
		}
		color = member.Color
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: client.SessionID,
		RoomID:    roomID,
		Color:     color,
	})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, now)

	if !g.enqueue(ctx, client, ack) {
		return nil, errors.New("backpressure: hello_ack")
	}
	return &session{userID: userID}, nil
}

// joinRoster admits the user, creating the room implicitly on first use.
// The URL path segment is the only namespace; the first user to name a room
// owns it.
func (g *WSGateway) joinRoster(ctx context.Context, roomID, userID, displayName string, now time.Time) (roster.Participant, error) {
	in := roster.JoinInput{RoomID: roomID, UserID: userID, DisplayName: displayName, Now: now}

	member, err := g.rooms.Join(ctx, in)
	if !errors.Is(err, roster.ErrRoomNotFound) {
		return member, err
	}

	if _, err := g.rooms.CreateRoom(ctx, roster.CreateRoomInput{
		RoomID:      roomID,
		OwnerUserID: userID,
		Now:         now,
	}); err != nil {
		// Lost a create race; fall through to a second join attempt.
		g.log.Info("ws.roster.create.race", "room_id", roomID, "err", err)
	}
	return g.rooms.Join(ctx, in)
}

func (g *WSGateway) onAwareness(ctx context.Context, sess *session, roomID string, env v1.Envelope, now time.Time) {
	var p v1.AwarenessPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		// Still relayed verbatim; only the drop-cleanup bookkeeping is skipped.
		g.log.Info("ws.awareness.decode.fail", "room_id", roomID, "err", err)
		return
	}

	if sess != nil {
		if p.Fields == nil && p.ReplicaID == sess.replicaID {
			sess.replicaID = ""
		} else if p.ReplicaID != "" {
			sess.replicaID = p.ReplicaID
		}

		// Awareness doubles as a liveness signal at the boundary.
		if g.rooms != nil {
			if err := g.rooms.Heartbeat(ctx, roomID, sess.userID, nil, now); err != nil {
				g.log.Info("ws.roster.heartbeat.fail", "room_id", roomID, "user_id", sess.userID, "err", err)
			}
		}
	}
}

func (g *WSGateway) awarenessClear(replicaID string) v1.Envelope {
	p, _ := json.Marshal(v1.AwarenessPayload{ReplicaID: replicaID})
	return newEnvelope(v1.TypeAwareness, p, time.Now().UTC())
}

func (g *WSGateway) bridgePublish(roomID, exceptSessionID string, env v1.Envelope) {
	if g.bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g.bridge.Publish(ctx, roomID, exceptSessionID, env)
}

func helloErrorCode(err error) string {
	switch {
	case errors.Is(err, roster.ErrRoomFull):
		return "room_full"
	case errors.Is(err, roster.ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, roster.ErrRoomNotFound):
		return "room_not_found"
	default:
		return "hello_failed"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// sendErrorNow writes the error envelope on the connection directly, for
// paths that close the socket right after. An enqueued envelope would race
// the close and the peer would see only the close frame.
func (g *WSGateway) sendErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
		g.log.Info("ws.error.write.fail", "code", code, "err", err)
	}
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- room naming ----

// roomIDFromRequest extracts the room from the URL path. It prefers the
// router's {room} path value and falls back to the last non-empty segment
// for standalone mounting.
func roomIDFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.PathValue("room")); v != "" {
		return v
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		seg := strings.TrimSpace(parts[i])
		if seg == "" || seg == "ws" {
			continue
		}
		return seg
	}
	return ""
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
