// Package kv wraps go-redis v9 as the shared KV every node talks to. It
// carries the operations the request plane depends on: atomic counters for
// rate limiting, pattern deletes for cache invalidation, SETNX advisory
// locks for singleton jobs, and pub/sub for registry invalidation fan-out.
package kv

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the underlying redis client.
type Client struct {
	rdb *redis.Client
}

// New connects and pings. There is no in-memory fallback: the rate-limit
// and invalidation invariants require the shared KV.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	log.Printf("[REDIS] connected to %s (db %d)", addr, db)
	return &Client{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity (used by /health/cache).
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores a value with a TTL (zero means no expiry).
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Incr atomically increments a persistent counter, creating it at zero.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

// IncrWithExpire atomically increments key and arms its TTL on first
// creation. The INCR+EXPIRE(NX) pair runs in a transactional pipeline so
// concurrent callers always observe distinct counter values.
func (c *Client) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// DeletePattern removes every key matching the glob pattern via SCAN and
// returns the number deleted. Reads in flight during the sweep may still
// see pre-delete values; the caller's ordering contract permits that.
func (c *Client) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}

// AcquireLock takes a best-effort advisory lock. Returns false when
// another holder owns it.
func (c *Client) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, holder, ttl).Result()
}

// ReleaseLock drops an advisory lock.
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Publish sends a message to a channel.
func (c *Client) Publish(ctx context.Context, channel string, message []byte) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a pub/sub channel and
// returns an unsubscribe function.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := c.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
