package cache

import (
	"context"
	"errors"
	"time"
)

var ErrOverCapacity = errors.New("cache: 超过容量")

var _ Cache = new(MaxCntCache)

// MaxCntCache 限制键的数量
// 满了之后新键写入失败, 已有的键可以覆盖
type MaxCntCache struct {
	*BuildInMapCache
	maxCnt int
}

func NewMaxCntCache(c *BuildInMapCache, maxCnt int) *MaxCntCache {
	return &MaxCntCache{
		BuildInMapCache: c,
		maxCnt:          maxCnt,
	}
}

func (c *MaxCntCache) Set(ctx context.Context, key string, val any, expiration time.Duration) error {
	// 判断容量和写入要在同一把锁里
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.data[key]; !ok && len(c.data) >= c.maxCnt {
		// 满了先清掉过期的键再判断
		c.sweepLocked(time.Now(), len(c.data))
		if len(c.data) >= c.maxCnt {
			return ErrOverCapacity
		}
	}
	c.data[key] = newItem(val, expiration)
	return nil
}
