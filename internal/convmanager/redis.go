package convmanager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimTTL bounds how long a RedisLocator's ownership claim survives without
// renewal; RedisLocator.Refresh (called by the manager alongside its idle
// sweep) keeps a live loop's claim from expiring under its owning node.
const claimTTL = 5 * time.Minute

// RedisLocator is the clustered-deployment Locator (spec.md §4.F):
// "an authoritative locator for sid -> node" plus cross-node forwarding of
// send_to_event_stream, built on Redis SET/GET for ownership and pub/sub for
// forwarding (grounded on intelligencedev-manifold's RedisGenerationCache).
type RedisLocator struct {
	client  redis.UniversalClient
	nodeID  string
	events  chan ForwardedSend
	cancel  context.CancelFunc
	keySpace string
}

// NewRedisLocator connects to addr and subscribes this node to its
// forwarding channel. keySpace namespaces keys/channels so multiple
// clusters can share a Redis instance.
func NewRedisLocator(addr, password string, db int, nodeID, keySpace string) (*RedisLocator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	loc := &RedisLocator{
		client:   client,
		nodeID:   nodeID,
		events:   make(chan ForwardedSend, 64),
		cancel:   cancel,
		keySpace: keySpace,
	}
	sub := client.Subscribe(ctx, loc.nodeChannel(nodeID))
	go loc.consume(ctx, sub)
	return loc, nil
}

type forwardedPayload struct {
	ConversationID string `json:"conversation_id"`
	Data           []byte `json:"data"`
}

func (l *RedisLocator) ownerKey(sid string) string {
	return l.keySpace + ":owner:" + sid
}

func (l *RedisLocator) nodeChannel(nodeID string) string {
	return l.keySpace + ":forward:" + nodeID
}

// Owner returns the node currently claiming sid, per the locator's Redis key.
func (l *RedisLocator) Owner(sid string) (string, bool) {
	node, err := l.client.Get(context.Background(), l.ownerKey(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return node, true
}

// Claim registers this node as sid's owner, renewable via Refresh.
func (l *RedisLocator) Claim(sid string) error {
	return l.client.Set(context.Background(), l.ownerKey(sid), l.nodeID, claimTTL).Err()
}

// Refresh extends this node's claim on sid, preventing claimTTL expiry while
// the loop is still alive. Safe to call repeatedly; a no-op if this node no
// longer owns sid.
func (l *RedisLocator) Refresh(sid string) error {
	ctx := context.Background()
	node, err := l.client.Get(ctx, l.ownerKey(sid)).Result()
	if err != nil || node != l.nodeID {
		return nil
	}
	return l.client.Expire(ctx, l.ownerKey(sid), claimTTL).Err()
}

// Release gives up ownership of sid.
func (l *RedisLocator) Release(sid string) {
	l.client.Del(context.Background(), l.ownerKey(sid))
}

// Forward publishes data to whichever node owns sid's channel, or returns an
// error if sid has no known owner.
func (l *RedisLocator) Forward(sid string, data []byte) error {
	node, ok := l.Owner(sid)
	if !ok {
		return ErrConversationNotFound
	}
	payload, err := json.Marshal(forwardedPayload{ConversationID: sid, Data: data})
	if err != nil {
		return err
	}
	return l.client.Publish(context.Background(), l.nodeChannel(node), payload).Err()
}

// Events returns the channel of payloads forwarded to this node.
func (l *RedisLocator) Events() <-chan ForwardedSend {
	return l.events
}

// Close tears down the subscription and the underlying client.
func (l *RedisLocator) Close() error {
	l.cancel()
	return l.client.Close()
}

func (l *RedisLocator) consume(ctx context.Context, sub *redis.PubSub) {
	defer close(l.events)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload forwardedPayload
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				continue
			}
			select {
			case l.events <- ForwardedSend{ConversationID: payload.ConversationID, Data: payload.Data}:
			case <-ctx.Done():
				return
			}
		}
	}
}
