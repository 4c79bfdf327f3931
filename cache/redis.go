// Package cache holds the Redis implementation of inventory.BalanceCache.
//
// The cache is a read accelerator for balance lookups. It is written after
// each commit and rewritten by the reconciler; it is never consulted when a
// debit is validated.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/issuance-engine/config"
	"github.com/warp/issuance-engine/inventory"
)

const (
	balanceKeyPrefix = "issuance:balance:"
	defaultTTL       = 10 * time.Minute
)

// NewRedisClient connects to Redis and pings it once.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisBalanceCache implements inventory.BalanceCache on plain string keys.
type RedisBalanceCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisBalanceCache(client redis.Cmdable, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisBalanceCache{client: client, ttl: ttl}
}

func (c *RedisBalanceCache) key(tenant inventory.TenantID, product inventory.ProductID) string {
	return fmt.Sprintf("%s%s:%s", balanceKeyPrefix, tenant, product)
}

// Get returns the cached on-hand quantity. A missing key is a miss, not an error.
func (c *RedisBalanceCache) Get(ctx context.Context, tenant inventory.TenantID, product inventory.ProductID) (int64, bool, error) {
	raw, err := c.client.Get(ctx, c.key(tenant, product)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get balance from cache: %w", err)
	}
	onHand, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached balance %q: %w", raw, err)
	}
	return onHand, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, tenant inventory.TenantID, product inventory.ProductID, onHand int64) error {
	if err := c.client.Set(ctx, c.key(tenant, product), onHand, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set balance in cache: %w", err)
	}
	return nil
}

func (c *RedisBalanceCache) Delete(ctx context.Context, tenant inventory.TenantID, product inventory.ProductID) error {
	if err := c.client.Del(ctx, c.key(tenant, product)).Err(); err != nil {
		return fmt.Errorf("failed to delete balance from cache: %w", err)
	}
	return nil
}
