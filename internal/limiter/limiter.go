// Package limiter 限制單一來源的握手頻率
//
// 兩種實作：
//   - Keyed: 單機版，每個 key 一個記憶體令牌桶
//   - DistributedTokenBucket: 多實例共享，狀態放在 Redis，以 Lua 腳本保證原子性
//
// key 通常是客戶端 IP。
package limiter

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Limiter 限流器
//
// 返回 error 時 allowed 仍然有意義：後端故障時實作會選擇放行。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket 令牌桶
//
// 桶滿時允許 capacity 次突發，之後以每秒 refillRate 個的速度補充。
type TokenBucket struct {
	capacity   int64
	tokens     int64
	refillRate int64
	lastRefill time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// NewTokenBucket 建立令牌桶（初始為滿）
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 返回當前令牌數
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// full 桶是否已回滿
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens >= tb.capacity
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))

	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		// 只前進實際換算成令牌的時間，避免小數部分被丟掉
		tb.lastRefill = tb.lastRefill.Add(time.Duration(float64(tokensToAdd) / float64(tb.refillRate) * float64(time.Second)))
		if tb.tokens == tb.capacity {
			tb.lastRefill = now
		}
	}
}

// Keyed 每個 key 一個令牌桶
//
// key 數量到達 maxKeys 時先清掉已回滿的桶（它們與新建的桶等價），
// 仍然滿額就淘汰最久未使用的 key，追蹤的 key 數量不會超過 maxKeys。
type Keyed struct {
	capacity   int64
	refillRate int64
	maxKeys    int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*list.Element // key -> lru 節點
	lru     *list.List               // 頭部為最近使用
}

// keyedEntry lru 節點內容
type keyedEntry struct {
	key    string
	bucket *TokenBucket
}

// NewKeyed 建立單機版限流器，maxKeys 為 0 表示不限制
func NewKeyed(capacity, refillRate int64, maxKeys int) *Keyed {
	return &Keyed{
		capacity:   capacity,
		refillRate: refillRate,
		maxKeys:    maxKeys,
		now:        time.Now,
		buckets:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// Allow 檢查 key 是否還有令牌
func (k *Keyed) Allow(_ context.Context, key string) (bool, error) {
	k.mu.Lock()
	var b *TokenBucket
	if elem, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(elem)
		b = elem.Value.(*keyedEntry).bucket
	} else {
		if k.maxKeys > 0 && len(k.buckets) >= k.maxKeys {
			k.evictLocked()
		}
		b = newTokenBucket(k.capacity, k.refillRate, k.now)
		k.buckets[key] = k.lru.PushFront(&keyedEntry{key: key, bucket: b})
	}
	k.mu.Unlock()

	return b.Allow(), nil
}

// Len 目前追蹤的 key 數量
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// evictLocked 騰出至少一個位置
func (k *Keyed) evictLocked() {
	for elem := k.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*keyedEntry).bucket.full() {
			k.removeLocked(elem)
		}
		elem = prev
	}

	for len(k.buckets) >= k.maxKeys {
		k.removeLocked(k.lru.Back())
	}
}

func (k *Keyed) removeLocked(elem *list.Element) {
	k.lru.Remove(elem)
	delete(k.buckets, elem.Value.(*keyedEntry).key)
}
