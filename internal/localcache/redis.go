package localcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 3 * time.Second

// Redis is a Backend on a Redis server, for deployments where the
// "local" tier is a sidecar rather than a file.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis backend. Keys are stored as prefix+key.
func NewRedis(opts *redis.Options, prefix string) *Redis {
	return &Redis{client: redis.NewClient(opts), prefix: prefix}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get implements Backend.
func (r *Redis) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Set implements Backend.
func (r *Redis) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

// Delete implements Backend.
func (r *Redis) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Close implements Backend.
func (r *Redis) Close() error {
	return r.client.Close()
}
