package counter

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces counter keys.
const DefaultRedisPrefix = "buildengine:build_number:"

// Redis allocates build numbers with INCR so several engine processes can
// share one sequence per project.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed allocator. An empty prefix selects DefaultRedisPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Next returns the next build number for project.
func (r *Redis) Next(ctx context.Context, project string) (int64, error) {
	if project == "" {
		return 0, ErrEmptyProject
	}
	n, err := r.client.Incr(ctx, r.prefix+project).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing build number for %s: %w", project, err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
