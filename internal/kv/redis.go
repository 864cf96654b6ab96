// Package kv provides a Redis-backed blob store for the search history.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/insightbot/internal/history"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by Redis.
const DefaultPrefix = "insightbot:"

// Options configures the Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// Redis implements history.Backend on a Redis server. Each blob is a plain
// string value.
type Redis struct {
	client *redis.Client
	prefix string
}

// Dial creates a client without contacting the server. Operations fail
// until Redis is reachable, which the history store reports as degraded.
func Dial(opts Options) *Redis {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	return New(client, opts.Prefix)
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Redis, error) {
	r := Dial(opts)
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return r, nil
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) GetBlob(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("blob %q: %w", key, history.ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (r *Redis) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) DeleteBlob(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	pong, err := r.client.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if pong != "PONG" {
		return fmt.Errorf("expected PONG from redis, got %s", pong)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
