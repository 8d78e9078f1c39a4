package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	v1 "coedit/contracts/sync/v1"
)

// bridgeChannelPrefix namespaces relay traffic on the shared Redis instance.
const bridgeChannelPrefix = "coedit.relay."

// bridgeFrame is the cross-node wire shape. NodeID lets each subscriber drop
// its own publications so frames are not replayed to the room they came from.
type bridgeFrame struct {
	NodeID          string      `json:"node_id"`
	RoomID          string      `json:"room_id"`
	ExceptSessionID string      `json:"except_session_id,omitempty"`
	Envelope        v1.Envelope `json:"envelope"`
}

// RedisBridge fans relay frames out across server processes via Redis pub/sub.
// Each node publishes frames it relays locally and re-broadcasts frames
// published by other nodes, so rooms span processes transparently.
//
// The bridge inherits the relay's verbatim guarantee: envelopes pass through
// unmodified.
type RedisBridge struct {
	log    *slog.Logger
	rdb    *redis.Client
	nodeID string
	hub    *Hub

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBridge connects the hub to a Redis pub/sub channel space.
// It pings Redis once to fail fast on misconfiguration.
func NewRedisBridge(ctx context.Context, log *slog.Logger, rdb *redis.Client, hub *Hub) (*RedisBridge, error) {
	if rdb == nil {
		return nil, errors.New("relay: nil redis client")
	}
	if hub == nil {
		return nil, errors.New("relay: nil hub")
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	b := &RedisBridge{
		log:    log,
		rdb:    rdb,
		nodeID: NewRandomHex(8),
		hub:    hub,
		done:   make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	// Pattern-subscribe once for all rooms; room routing happens on receive.
	pubsub := rdb.PSubscribe(runCtx, bridgeChannelPrefix+"*")
	go b.run(runCtx, pubsub)

	log.Info("relay.bridge.start", "node_id", b.nodeID)
	return b, nil
}

// Publish ships a locally relayed frame to the other nodes.
// Failures are logged, not propagated: local fanout already happened and
// cross-node delivery is best-effort like the rest of the relay.
func (b *RedisBridge) Publish(ctx context.Context, roomID, exceptSessionID string, env v1.Envelope) {
	if b == nil {
		return
	}

	frame := bridgeFrame{
		NodeID:          b.nodeID,
		RoomID:          roomID,
		ExceptSessionID: exceptSessionID,
		Envelope:        env,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		b.log.Error("relay.bridge.marshal.fail", "err", err)
		return
	}

	if err := b.rdb.Publish(ctx, bridgeChannelPrefix+roomID, data).Err(); err != nil {
		b.log.Info("relay.bridge.publish.fail", "room_id", roomID, "err", err)
	}
}

func (b *RedisBridge) run(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.log.Info("relay.bridge.decode.fail", "channel", msg.Channel, "err", err)
				continue
			}
			if frame.NodeID == b.nodeID {
				// Our own publication coming back around.
				continue
			}

			roomID := frame.RoomID
			if roomID == "" {
				roomID = strings.TrimPrefix(msg.Channel, bridgeChannelPrefix)
			}
			if roomID == "" {
				continue
			}

			b.hub.GetOrCreateRoom(roomID).Broadcast(frame.Envelope, frame.ExceptSessionID)
		}
	}
}

// Close stops the subscriber loop and waits for it to exit.
func (b *RedisBridge) Close() error {
	if b == nil {
		return nil
	}
	b.cancel()
	<-b.done
	return nil
}
