package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrWaitAborted 等待令牌期间上下文被取消。
var ErrWaitAborted = errors.New("rate limit wait aborted")

// 令牌桶脚本。令牌数和上次补充时间存在同一个 hash 里，
// 整个判定在 Redis 端原子完成，多个进程共享同一个桶。
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// Limiter 基于 Redis 的全局出站限流器。
// 所有运行共享同一个桶，保证对目标站点的总请求速率受控。
type Limiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// New 创建限流器。rate 为每秒补充的令牌数，burst 为桶容量。
func New(rdb *redis.Client, logger *slog.Logger, key string, rate, burst float64) *Limiter {
	if key == "" {
		key = "goofish:ratelimit:global"
	}
	return &Limiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Acquire 阻塞直到获得一个令牌或 ctx 被取消。
// rate/burst 未配置时限流器是空操作。
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := l.tryAcquire(ctx)
		if err != nil {
			// Redis 故障时放行请求，避免阻塞全部运行（降级策略）
			l.logger.Warn("rate limit check failed, allowing request",
				slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrWaitAborted
		case <-timer.C:
		}
	}
}

func (l *Limiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
