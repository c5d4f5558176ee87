package cache

import (
	"context"
	"math/rand"
	"time"
)

// 缓存雪崩解决方案
// 缓存雪崩: 同一个时刻，大量key过期，查询都要打到数据库
// 解决方案: 在设置key过期时间的时候，加上一个随机的偏移量，保证不在同一个时刻过期
type RandomExpirationCache struct {
	Cache
	// MaxOffset 偏移量的上限, 为 0 时用 5 分钟
	MaxOffset time.Duration
}

func NewRandomExpirationCache(c Cache, maxOffset time.Duration) *RandomExpirationCache {
	return &RandomExpirationCache{Cache: c, MaxOffset: maxOffset}
}

func (r *RandomExpirationCache) Set(ctx context.Context, key string, val any, expiration time.Duration) error {
	if expiration > 0 {
		max := r.MaxOffset
		if max <= 0 {
			max = 300 * time.Second
		}
		// 加上一个 [0, max) 的偏移量
		expiration = expiration + time.Duration(rand.Int63n(int64(max)))
	}
	return r.Cache.Set(ctx, key, val, expiration)
}
