package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 分散式令牌桶
//
// Redis 中的狀態：
//   - {prefix}{key}:tokens      當前令牌數（可為小數）
//   - {prefix}{key}:last_refill 上次填充時間（毫秒）
//
// 兩個 key 都設定 TTL，閒置的來源會自動過期。
type DistributedTokenBucket struct {
	client     redis.UniversalClient
	prefix     string
	capacity   int64
	refillRate int64
	script     *redis.Script
}

// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 填充速率（每秒）
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: TTL（秒）
//
// 返回 1 允許，0 拒絕
var tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * refill_rate / 1000)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', ttl)
redis.call('SET', key .. ':last_refill', now, 'EX', ttl)

return allowed
`

// NewDistributedTokenBucket 建立分散式令牌桶
func NewDistributedTokenBucket(client redis.UniversalClient, prefix string, capacity, refillRate int64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: refillRate,
		script:     redis.NewScript(tokenBucketScript),
	}
}

// Allow 檢查 key 是否還有令牌
//
// Redis 錯誤時放行並返回錯誤：可用性優先於精確限流。
func (d *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	result, err := d.script.Run(
		ctx,
		d.client,
		[]string{d.prefix + key},
		d.capacity,
		d.refillRate,
		time.Now().UnixMilli(),
		d.ttlSeconds(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return result == 1, nil
}

// ttlSeconds 桶從空到滿所需時間，再加一分鐘緩衝
func (d *DistributedTokenBucket) ttlSeconds() int64 {
	if d.refillRate <= 0 {
		return 3600
	}
	return d.capacity/d.refillRate + 60
}
