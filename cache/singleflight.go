package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

var _ Cache = &SingleflightCache{}

// SingleflightCache 同一个 key 的并发读取只访问一次下层缓存
// 多个会话同时 miss 标识映射的时候, 分布式缓存只被打一次
// 返回的值会被多个调用方共享, 调用方不能修改
type SingleflightCache struct {
	Cache
	g singleflight.Group
}

func NewSingleflightCache(c Cache) *SingleflightCache {
	return &SingleflightCache{
		Cache: c,
	}
}

func (s *SingleflightCache) Get(ctx context.Context, key string) (any, error) {
	val, err, _ := s.g.Do(key, func() (any, error) {
		return s.Cache.Get(ctx, key)
	})
	return val, err
}
