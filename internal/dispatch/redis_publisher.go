package dispatch

import (
	"context"

	"heartlink-backend/internal/database"
)

// RedisPublisher adapts the degraded-mode Redis client to the Publisher
// interface. In degraded mode publishes fail fast and escalation still runs.
type RedisPublisher struct {
	client *database.RedisClient
}

// NewRedisPublisher creates a publisher over the shared Redis client
func NewRedisPublisher(client *database.RedisClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends the message to the channel
func (p *RedisPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.client.SafePublish(ctx, channel, message).Err()
}
