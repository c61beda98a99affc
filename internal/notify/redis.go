package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/garmaxai/backend/internal/models"
)

// RedisRelay shares status events between instances through a Redis channel.
// Every instance publishes into the channel and feeds its local hub from it,
// so a client connected to any instance sees every event.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisRelay wires a relay to an existing client and local hub.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = "garmax:session-status"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: logger}
}

// Name implements Sink.
func (r *RedisRelay) Name() string { return "redis-relay" }

// Deliver implements Sink.
func (r *RedisRelay) Deliver(ctx context.Context, ev models.StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Run forwards channel messages into the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev models.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("discarding malformed status event", "error", err)
				continue
			}
			if err := r.hub.Broadcast(ctx, ev); err != nil {
				r.logger.Warn("forward status event", "sessionId", ev.SessionID, "error", err)
			}
		}
	}
}
