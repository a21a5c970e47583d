// Package rediscache keeps the most recent composite bar per stream in
// Redis so restarted or horizontally scaled API processes can serve the
// latest price without waiting for the next minute tick.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ciphex/abacus/internal/market"
)

const (
	latestTTL = 90 * time.Second
	opTimeout = 500 * time.Millisecond
)

type Cache struct {
	rdb redis.UniversalClient
}

// New connects using a redis:// URL and verifies the connection.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Cache{rdb: client}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client redis.UniversalClient) *Cache {
	return &Cache{rdb: client}
}

func (c *Cache) Close() error { return c.rdb.Close() }

func latestKey(asset market.Asset, mt market.MarketType) string {
	return fmt.Sprintf("abacus:latest:%s:%s", asset, mt)
}

// SetLatest stores the bar under a short TTL so a dead writer cannot leave
// a stale price behind.
func (c *Cache) SetLatest(ctx context.Context, bar market.CompositeBar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("failed to marshal composite bar: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.rdb.Set(ctx, latestKey(bar.Asset, bar.MarketType), data, latestTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache composite bar: %w", err)
	}
	return nil
}

// GetLatest returns the cached bar, or nil on a miss.
func (c *Cache) GetLatest(ctx context.Context, asset market.Asset, mt market.MarketType) (*market.CompositeBar, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.rdb.Get(ctx, latestKey(asset, mt)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached composite bar: %w", err)
	}

	var bar market.CompositeBar
	if err := json.Unmarshal(data, &bar); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached composite bar: %w", err)
	}
	return &bar, nil
}
