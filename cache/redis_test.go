package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/issuance-engine/config"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/inventory/store"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	return client
}

func TestRedisBalanceCache_SetGetDelete(t *testing.T) {
	c := NewRedisBalanceCache(setupTestRedis(t), time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "acme", "p1")
	require.NoError(t, err)
	assert.False(t, ok, "empty cache is a miss")

	require.NoError(t, c.Set(ctx, "acme", "p1", 42))
	v, ok, err := c.Get(ctx, "acme", "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok, err = c.Get(ctx, "globex", "p1")
	require.NoError(t, err)
	assert.False(t, ok, "keys are tenant scoped")

	require.NoError(t, c.Delete(ctx, "acme", "p1"))
	_, ok, err = c.Get(ctx, "acme", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBalanceCache_TTLApplied(t *testing.T) {
	client := setupTestRedis(t)
	c := NewRedisBalanceCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "acme", "p1", 1))
	ttl, err := client.TTL(ctx, "issuance:balance:acme:p1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisBalanceCache_ReconcilerRepairsDrift(t *testing.T) {
	c := NewRedisBalanceCache(setupTestRedis(t), time.Minute)
	ctx := context.Background()

	s := store.NewMemory()
	require.NoError(t, s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.InsertProduct(ctx, inventory.Product{ID: "p1", TenantID: "acme", Name: "Mask", Code: "M", Category: inventory.CategoryPersonal, Active: true})
	}))
	ledger := inventory.NewLedger(s)
	ledger.Cache = c
	_, err := ledger.Append(ctx, inventory.Movement{TenantID: "acme", ProductID: "p1", Quantity: 9, Kind: inventory.MovementIn})
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "acme", "p1", 1000))
	report, err := (&inventory.Reconciler{Ledger: ledger, Cache: c}).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, int64(1000), report.Drifts[0].Cached)
	assert.Equal(t, int64(9), report.Drifts[0].Folded)

	v, ok, err := c.Get(ctx, "acme", "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), v)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisClient(ctx, config.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNewRedisBalanceCache_DefaultTTL(t *testing.T) {
	c := NewRedisBalanceCache(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), 0)
	assert.Equal(t, defaultTTL, c.ttl)
}
