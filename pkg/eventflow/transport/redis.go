package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Redis publishes events to Redis pub/sub channels.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis transport.
type RedisOption func(*Redis)

// WithChannelPrefix prepends prefix to every target channel.
func WithChannelPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromOptions dials a single-node client from addr, password and db.
// Close releases it.
func NewRedisFromOptions(addr, password string, db int, opts ...RedisOption) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

// Channel returns the channel a target publishes to.
func (r *Redis) Channel(target string) string {
	return r.prefix + target
}

// Deliver publishes evt as JSON to the target's channel.
func (r *Redis) Deliver(ctx context.Context, target string, evt event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(target), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.Channel(target), err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
