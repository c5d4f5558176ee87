package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var _ Cache = &GoCache{}

// GoCache 基于 go-cache 的进程内缓存, 过期清理由 go-cache 负责
type GoCache struct {
	client *gocache.Cache
}

func NewGoCache(cleanupInterval time.Duration) *GoCache {
	return &GoCache{
		client: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (g *GoCache) Set(ctx context.Context, key string, val any, expiration time.Duration) error {
	// go-cache 的 0 表示默认过期时间, 我们的 0 表示永不过期
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	g.client.Set(key, val, expiration)
	return nil
}

func (g *GoCache) Get(ctx context.Context, key string) (any, error) {
	val, ok := g.client.Get(key)
	if !ok {
		return nil, errKeyNotFound(key)
	}
	return val, nil
}

func (g *GoCache) Delete(ctx context.Context, key string) error {
	g.client.Delete(key)
	return nil
}

func (g *GoCache) Len() int {
	return g.client.ItemCount()
}
