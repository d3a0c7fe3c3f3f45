// Package redis provides the pooled Redis connection backing the job queue
// stream, the dedup side-channel, and the worker heartbeat cache. It exposes
// a one-shot lifecycle handle rather than a lazy singleton: callers connect
// once, verify the connection, and inject the handle into the queue and
// worker constructors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

type (
	// Options configures the Redis connection.
	Options struct {
		// Addr is the host:port of the Redis server. Required.
		Addr string
		// Password is the optional Redis password.
		Password string
		// DB selects the logical database. Defaults to 0.
		DB int
		// PoolSize bounds the connection pool. Defaults to the go-redis
		// default (10 per CPU).
		PoolSize int
		// DialTimeout bounds the initial connection attempt. Defaults to 5s.
		DialTimeout time.Duration
	}

	// Client wraps a verified go-redis client with a lifecycle and a health
	// pinger. The embedded *redis.Client is exposed directly: the queue and
	// heartbeat code issue stream and KV commands against it.
	Client struct {
		*redis.Client
	}
)

const clientName = "engine-redis"

// Connect builds the Redis client and verifies the connection with a ping.
// It returns an error rather than a handle that fails later.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: dialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "redis connected"}, log.KV{K: "addr", V: opts.Addr})
	return &Client{Client: rdb}, nil
}

// Wrap adapts an existing go-redis client, primarily for tests that run
// against miniredis.
func Wrap(rdb *redis.Client) *Client {
	return &Client{Client: rdb}
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}
