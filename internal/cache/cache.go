// Package cache 余额、敞口与持仓的 Redis 缓存
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Balance 用户某资产的可用/冻结
type Balance struct {
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Position 持仓
type Position struct {
	UserID     string          `json:"userId"`
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Leverage   decimal.Decimal `json:"leverage"`
}

func balanceKey(userID, asset string) string {
	return "balance:" + userID + ":" + asset
}

func exposureKey(userID, symbol string) string {
	return "exposure:" + userID + ":" + symbol
}

func positionsKey(symbol string) string {
	return "positions:" + symbol
}

// RedisCache 基于 Redis 的缓存，所有操作带超时
type RedisCache struct {
	client      redis.Cmdable
	timeout     time.Duration
	defaultFree decimal.Decimal
}

// Option 缓存选项
type Option func(*RedisCache)

// WithTimeout 单次读写超时
func WithTimeout(d time.Duration) Option {
	return func(c *RedisCache) { c.timeout = d }
}

// WithDefaultFree 余额未缓存时的可用余额
func WithDefaultFree(v decimal.Decimal) Option {
	return func(c *RedisCache) { c.defaultFree = v }
}

// NewRedisCache 创建缓存
func NewRedisCache(client redis.Cmdable, opts ...Option) *RedisCache {
	c := &RedisCache{client: client, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Balance 读取余额，未缓存时返回默认可用余额
func (c *RedisCache) Balance(ctx context.Context, userID, asset string) (Balance, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, balanceKey(userID, asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Balance{Free: c.defaultFree, Locked: decimal.Zero}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("get balance %s/%s: %w", userID, asset, err)
	}

	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return Balance{}, fmt.Errorf("decode balance %s/%s: %w", userID, asset, err)
	}
	return b, nil
}

// SetBalance 写入余额
func (c *RedisCache) SetBalance(ctx context.Context, userID, asset string, b Balance) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	if err := c.client.Set(ctx, balanceKey(userID, asset), data, 0).Err(); err != nil {
		return fmt.Errorf("set balance %s/%s: %w", userID, asset, err)
	}
	return nil
}

// Exposure 用户在 symbol 上的敞口，未缓存为 0
func (c *RedisCache) Exposure(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, exposureKey(userID, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get exposure %s/%s: %w", userID, symbol, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse exposure %s/%s: %w", userID, symbol, err)
	}
	return v, nil
}

// SetExposure 写入敞口
func (c *RedisCache) SetExposure(ctx context.Context, userID, symbol string, v decimal.Decimal) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, exposureKey(userID, symbol), v.String(), 0).Err(); err != nil {
		return fmt.Errorf("set exposure %s/%s: %w", userID, symbol, err)
	}
	return nil
}

// Positions symbol 上的全部持仓，未缓存为空
func (c *RedisCache) Positions(ctx context.Context, symbol string) ([]Position, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, positionsKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", symbol, err)
	}

	var positions []Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, fmt.Errorf("decode positions %s: %w", symbol, err)
	}
	return positions, nil
}

// SetPositions 覆盖 symbol 的持仓列表
func (c *RedisCache) SetPositions(ctx context.Context, symbol string, positions []Position) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	if err := c.client.Set(ctx, positionsKey(symbol), data, 0).Err(); err != nil {
		return fmt.Errorf("set positions %s: %w", symbol, err)
	}
	return nil
}
