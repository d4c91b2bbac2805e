package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "goofish:dedup:"

// Guard 基于 Redis 的去重占位，粒度为 (taskID, sourceID)。
//
// Claim 抢到位的调用者获得该商品的处理权；入库失败时 Release
// 释放占位，同一商品在下次运行仍有机会重试。
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGuard 创建去重占位器。ttl 是占位键的保留时长。
func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{
		rdb: rdb,
		ttl: ttl,
	}
}

func key(taskID uint, sourceID string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, taskID, sourceID)
}

// Seen 只读探测商品是否已被占位，不消耗占位。
func (g *Guard) Seen(ctx context.Context, taskID uint, sourceID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, key(taskID, sourceID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// Claim 原子占位。返回 true 表示首次出现，调用者获得处理权。
func (g *Guard) Claim(ctx context.Context, taskID uint, sourceID string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, key(taskID, sourceID), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release 释放占位。
func (g *Guard) Release(ctx context.Context, taskID uint, sourceID string) error {
	if err := g.rdb.Del(ctx, key(taskID, sourceID)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
