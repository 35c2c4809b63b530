package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/narvanalabs/buildengine/internal/models"
)

// DefaultChannelPrefix prefixes the per-project Redis channels.
const DefaultChannelPrefix = "builds:"

// RedisPublisher publishes state changes on a Redis channel per project
// and keeps the latest status of every build in a hash.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher on an existing client.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel a project's changes are published on.
func (r *RedisPublisher) Channel(project string) string {
	return r.prefix + project
}

// Publish implements Publisher.
func (r *RedisPublisher) Publish(ctx context.Context, change *models.BuildStateChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding build event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.prefix+"status:"+change.BuildID,
		"status", string(change.BuildStatus),
		"phase", string(change.CurrentPhase),
		"complete", change.BuildComplete,
		"updated_at", change.Time.UTC().Format(time.RFC3339Nano),
	)
	pipe.Publish(ctx, r.Channel(change.ProjectName), value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing build event: %w", err)
	}
	return nil
}
