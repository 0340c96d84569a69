package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const summaryVersionKey = "inventory:summary:version"

// SummaryCache keeps the valuation summary in Redis. Every committed ledger
// change bumps a version counter, so stale entries are never read again and
// simply expire.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSummaryCache instantiates the cache helper.
func NewSummaryCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *SummaryCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryCache{client: client, ttl: ttl, logger: logger}
}

// Fetch returns the cached summary or computes and stores it using loader.
func (c *SummaryCache) Fetch(ctx context.Context, loader func(context.Context) (Summary, error)) (Summary, error) {
	if loader == nil {
		return Summary{}, errors.New("inventory cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.client.Get(ctx, summaryVersionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("inventory cache version", slog.Any("error", err))
		return loader(ctx)
	}
	key := fmt.Sprintf("inventory:summary:%d", ver)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached Summary
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("inventory cache read", slog.Any("error", err))
	}
	summary, err := loader(ctx)
	if err != nil {
		return Summary{}, err
	}
	if payload, err := json.Marshal(summary); err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("inventory cache write", slog.Any("error", err))
		}
	}
	return summary, nil
}

// LedgerChanged invalidates cached summaries.
func (c *SummaryCache) LedgerChanged(ctx context.Context, change Change) {
	if c == nil || c.client == nil || change.Empty() {
		return
	}
	if err := c.client.Incr(ctx, summaryVersionKey).Err(); err != nil {
		c.logger.Warn("inventory cache bump", slog.Any("error", err))
	}
}
