// Package infra provides concrete infrastructure adapters for Redis.
//
// The flag cache propagates agent freeze and blacklist flags across engine
// instances so a freeze issued by one instance blocks admission everywhere
// within a cache round-trip.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFlagCache implements agentbook.FlagCache on go-redis v9.
type RedisFlagCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisFlagCache connects to Redis and verifies connectivity.
func NewRedisFlagCache(addr, password string, db int) (*RedisFlagCache, error) {
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

	slog.Info("Redis flag cache connected", "addr", addr, "db", db)
	return &RedisFlagCache{rdb: rdb, prefix: "machpay:agent:"}, nil
}

// Close shuts down the underlying redis client.
func (c *RedisFlagCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisFlagCache) SetFrozen(ctx context.Context, agentID string) error {
	return c.rdb.SAdd(ctx, c.prefix+"frozen", agentID).Err()
}

func (c *RedisFlagCache) SetBlacklisted(ctx context.Context, agentID string) error {
	return c.rdb.SAdd(ctx, c.prefix+"blacklisted", agentID).Err()
}

func (c *RedisFlagCache) IsFrozen(ctx context.Context, agentID string) (bool, error) {
	return c.rdb.SIsMember(ctx, c.prefix+"frozen", agentID).Result()
}

func (c *RedisFlagCache) IsBlacklisted(ctx context.Context, agentID string) (bool, error) {
	return c.rdb.SIsMember(ctx, c.prefix+"blacklisted", agentID).Result()
}
