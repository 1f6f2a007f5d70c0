package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel connecting workers to API instances.
const DefaultChannel = "notifications:live"

// PubSubSink publishes notifications on a Redis channel so every API
// instance can push them to its connected clients.
type PubSubSink struct {
	client  *redis.Client
	channel string
}

// NewPubSubSink creates a sink publishing on channel.
func NewPubSubSink(client *redis.Client, channel string) *PubSubSink {
	return &PubSubSink{client: client, channel: channel}
}

func (p *PubSubSink) Name() string { return "pubsub" }

func (p *PubSubSink) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Relay forwards notifications published on channel to sink until ctx is
// done. Call in a goroutine.
func Relay(ctx context.Context, client *redis.Client, channel string, sink Sink, logger *slog.Logger) {
	sub := client.Subscribe(ctx, channel)
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
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				logger.Warn("dropping malformed notification", "channel", channel, "error", err)
				continue
			}
			if err := sink.Notify(ctx, n); err != nil {
				logger.Warn("relay delivery failed", "sink", sink.Name(), "error", err)
			}
		}
	}
}
