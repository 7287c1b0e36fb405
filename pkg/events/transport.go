package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// Transport errors.
var (
	// ErrTransportUnavailable marks a failure of the transport as a whole.
	// The publisher retries it.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNoTransport means the publisher was built without a transport.
	// It is a configuration error and never retried.
	ErrNoTransport = errors.New("no transport configured")
)

// Transport delivers a serialized envelope to every live session joined to
// a named group, on this process or others.
type Transport interface {
	GroupSend(ctx context.Context, group string, payload []byte) error
}

// Deliverer receives fanned-out payloads for local sessions.
// Implemented by SessionManager.
type Deliverer interface {
	Deliver(group string, payload []byte)
}

// LocalTransport delivers straight to the in-process session manager.
// Suitable for single-replica deployments and tests.
type LocalTransport struct {
	target Deliverer
}

// NewLocalTransport creates a LocalTransport.
func NewLocalTransport(target Deliverer) *LocalTransport {
	return &LocalTransport{target: target}
}

// GroupSend implements Transport.
func (t *LocalTransport) GroupSend(_ context.Context, group string, payload []byte) error {
	if t.target == nil {
		return ErrNoTransport
	}
	t.target.Deliver(group, payload)
	return nil
}

// DefaultNotifyChannel is the PostgreSQL channel carrying group messages.
// Group names can exceed the 63-byte identifier limit, so every group
// shares one channel and the group travels in the payload.
const DefaultNotifyChannel = "jobstream_events"

// maxNotifyPayload stays under PostgreSQL's 8000-byte NOTIFY limit.
const maxNotifyPayload = 7900

// notifyMessage is the NOTIFY payload shape.
type notifyMessage struct {
	Group   string          `json:"group"`
	Payload json.RawMessage `json:"payload"`
}

// NotifyTransport fans out across replicas with pg_notify. Every replica
// runs a NotifyListener on the same channel.
type NotifyTransport struct {
	db      *sql.DB
	channel string
}

// NewNotifyTransport creates a NotifyTransport. An empty channel selects
// DefaultNotifyChannel.
func NewNotifyTransport(db *sql.DB, channel string) *NotifyTransport {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &NotifyTransport{db: db, channel: channel}
}

// GroupSend implements Transport.
func (t *NotifyTransport) GroupSend(ctx context.Context, group string, payload []byte) error {
	if t.db == nil {
		return ErrNoTransport
	}
	msg, err := encodeNotifyMessage(group, payload)
	if err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", t.channel, msg); err != nil {
		return fmt.Errorf("%w: pg_notify: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// encodeNotifyMessage wraps payload for NOTIFY, replacing it with a
// truncated envelope if the result would not fit.
func encodeNotifyMessage(group string, payload []byte) (string, error) {
	data, err := json.Marshal(notifyMessage{Group: group, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify message: %w", err)
	}
	if len(data) <= maxNotifyPayload {
		return string(data), nil
	}

	truncated, err := buildTruncatedPayload(payload)
	if err != nil {
		return "", err
	}
	data, err = json.Marshal(notifyMessage{Group: group, Payload: truncated})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated notify message: %w", err)
	}
	return string(data), nil
}

// buildTruncatedPayload keeps every routing field of the envelope and
// replaces meta with a truncation marker. Clients follow detail_url for
// the full state.
func buildTruncatedPayload(payload []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}
	m["meta"] = map[string]any{"truncated": true}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return out, nil
}

// decodeNotifyMessage is the listener-side inverse of encodeNotifyMessage.
func decodeNotifyMessage(raw string) (string, []byte, error) {
	var msg notifyMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return "", nil, fmt.Errorf("invalid notify message: %w", err)
	}
	if msg.Group == "" {
		return "", nil, fmt.Errorf("invalid notify message: missing group")
	}
	return msg.Group, msg.Payload, nil
}

// DefaultRedisChannelPrefix prefixes every group channel on Redis.
const DefaultRedisChannelPrefix = "jobstream:group:"

// RedisTransport fans out across replicas with Redis PUBLISH, one channel
// per group. Replicas consume it with StartRedisForwarder.
type RedisTransport struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisTransport creates a RedisTransport. An empty prefix selects
// DefaultRedisChannelPrefix.
func NewRedisTransport(rdb *goredis.Client, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisTransport{rdb: rdb, prefix: prefix}
}

// GroupSend implements Transport.
func (t *RedisTransport) GroupSend(ctx context.Context, group string, payload []byte) error {
	if t.rdb == nil {
		return ErrNoTransport
	}
	if err := t.rdb.Publish(ctx, t.prefix+group, payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// StartRedisForwarder pattern-subscribes to every group channel and hands
// messages to target until ctx is canceled.
func StartRedisForwarder(ctx context.Context, rdb *goredis.Client, prefix string, target Deliverer) error {
	if rdb == nil {
		return ErrNoTransport
	}
	if target == nil {
		return fmt.Errorf("deliverer required")
	}
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}

	sub := rdb.PSubscribe(ctx, prefix+"*")
	// Receive confirms the subscription before messages are relied upon.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				group := strings.TrimPrefix(m.Channel, prefix)
				target.Deliver(group, []byte(m.Payload))
			}
		}
	}()
	return nil
}
