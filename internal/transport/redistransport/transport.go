// Package redistransport carries channels over Redis pub/sub. Presence
// lives in a hash per conversation so every client can read the aggregate.
package redistransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/matheus3301/streakchat/internal/transport"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "streakchat:"
	presencePrefix = "presence:"
	messagesPrefix = "messages:"
)

type envelopeType string

const (
	envInsert    envelopeType = "insert"
	envUpdate    envelopeType = "update"
	envBroadcast envelopeType = "broadcast"
	envPresence  envelopeType = "presence"
)

// envelope is what travels on a pub/sub channel.
type envelope struct {
	Type     envelopeType                `json:"type"`
	From     string                      `json:"from,omitempty"`
	Event    string                      `json:"event,omitempty"`
	Payload  json.RawMessage             `json:"payload,omitempty"`
	Presence transport.PresenceEventType `json:"presence,omitempty"`
	Metas    []transport.PresenceMeta    `json:"metas,omitempty"`
}

// Transport implements transport.Transport and transport.Persister on Redis.
type Transport struct {
	client *redis.Client
	logger *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.Persister = (*Transport)(nil)

// DialTimeout is the default bound for Dial's connectivity check.
const DialTimeout = 5 * time.Second

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Transport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return New(client, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{client: client, logger: logger.Named("redis")}
}

// Close closes the underlying client.
func (t *Transport) Close() error {
	return t.client.Close()
}

// Channel creates an unjoined subscription.
func (t *Transport) Channel(key transport.Key, h transport.Handlers) transport.Subscription {
	return newSubscription(t, key, h)
}

// Persist appends the row to the conversation's message log and publishes
// it as a row-insert.
func (t *Transport) Persist(ctx context.Context, row []byte) error {
	conv, err := conversationOf(row)
	if err != nil {
		return err
	}
	if err := t.client.RPush(ctx, messagesPrefix+conv, row).Err(); err != nil {
		return fmt.Errorf("persist row: %w", err)
	}
	return t.publish(ctx, transport.Key{ConversationID: conv, Kind: transport.KindMessages}, envelope{Type: envInsert, Payload: row})
}

// Update publishes a row-update for the row's conversation.
func (t *Transport) Update(ctx context.Context, row []byte) error {
	conv, err := conversationOf(row)
	if err != nil {
		return err
	}
	return t.publish(ctx, transport.Key{ConversationID: conv, Kind: transport.KindMessages}, envelope{Type: envUpdate, Payload: row})
}

// Rows returns the persisted message log of a conversation.
func (t *Transport) Rows(ctx context.Context, conversationID string) ([][]byte, error) {
	vals, err := t.client.LRange(ctx, messagesPrefix+conversationID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (t *Transport) publish(ctx context.Context, key transport.Key, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, channelPrefix+key.Topic(), data).Err()
}

func (t *Transport) presenceState(ctx context.Context, conversationID string) (map[string][]transport.PresenceMeta, error) {
	vals, err := t.client.HGetAll(ctx, presencePrefix+conversationID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string][]transport.PresenceMeta)
	for member, raw := range vals {
		var meta transport.PresenceMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			t.logger.Warn("bad presence entry", zap.String("member", member), zap.Error(err))
			continue
		}
		out[meta.UserID] = append(out[meta.UserID], meta)
	}
	return out, nil
}

func conversationOf(row []byte) (string, error) {
	var head struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(row, &head); err != nil {
		return "", fmt.Errorf("persist: %w", err)
	}
	if head.ConversationID == "" {
		return "", errors.New("persist: row has no conversation_id")
	}
	return head.ConversationID, nil
}

// presenceTimeout bounds the aggregate read behind PresenceState, which has
// no context of its own.
const presenceTimeout = 2 * time.Second
