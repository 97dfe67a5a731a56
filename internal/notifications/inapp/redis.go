package inapp

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "herald:"

	// DefaultStreamLength bounds the per-user replay stream.
	DefaultStreamLength = 100
)

// ChannelKey returns the pub/sub channel for a user: herald:inbox:{userID}
func ChannelKey(userID string) string { return keyPrefix + "inbox:" + userID }

// StreamKey returns the replay stream for a user: herald:inbox_stream:{userID}
func StreamKey(userID string) string { return keyPrefix + "inbox_stream:" + userID }

// RedisNotifier publishes inbox entries to Redis. Live subscribers receive
// them on the user's channel; clients that reconnect can replay the stream.
type RedisNotifier struct {
	client    redis.Cmdable
	streamLen int64
}

// NewRedisNotifier creates a notifier. The caller owns the client lifecycle.
func NewRedisNotifier(client redis.Cmdable, streamLen int64) *RedisNotifier {
	if streamLen <= 0 {
		streamLen = DefaultStreamLength
	}
	return &RedisNotifier{client: client, streamLen: streamLen}
}

// NotifyUser publishes payload to the user's channel and appends it to the replay stream.
func (n *RedisNotifier) NotifyUser(ctx context.Context, userID string, payload []byte) error {
	pipe := n.client.TxPipeline()
	pipe.Publish(ctx, ChannelKey(userID), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(userID),
		MaxLen: n.streamLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish in-app notification: %w", err)
	}
	return nil
}

var _ RealtimeNotifier = (*RedisNotifier)(nil)
