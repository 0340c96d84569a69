// Package cache owns the Redis connection shared by the summary cache and
// the batch lock.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis client.
type Options struct {
	Addr        string
	DB          int
	PingTimeout time.Duration
}

// New creates a Redis client and verifies it answers.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("platform/cache: address required")
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", opts.Addr, err)
	}

	return client, nil
}

// NewLocker returns a distributed lock client over client.
func NewLocker(client *redis.Client) *redislock.Client {
	if client == nil {
		return nil
	}
	return redislock.New(client)
}
