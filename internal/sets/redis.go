package sets

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces set keys in Redis.
const KeyPrefix = "kestrel:set:"

// RedisSource reads sets stored as Redis sets under KeyPrefix+name.
type RedisSource struct {
	client redis.UniversalClient
}

// NewRedisSource wraps a Redis client.
func NewRedisSource(client redis.UniversalClient) *RedisSource {
	return &RedisSource{client: client}
}

// Members returns SMEMBERS of the set's key.
func (r *RedisSource) Members(ctx context.Context, name string) ([]string, error) {
	return r.client.SMembers(ctx, KeyPrefix+name).Result()
}

// Add stores members into the Redis set, for seeding and tests.
func (r *RedisSource) Add(ctx context.Context, name string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, KeyPrefix+name, args...).Err()
}
