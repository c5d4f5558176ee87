package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var _ Cache = &LRUCache{}

// LRUCache 容量固定, 满了淘汰最久没有使用的键
// 过期的键在读到的时候删除
type LRUCache struct {
	mutex sync.Mutex
	cache *lru.Cache[string, *Item]
}

func NewLRUCache(size int) (*LRUCache, error) {
	c, err := lru.New[string, *Item](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: c}, nil
}

func (l *LRUCache) Set(ctx context.Context, key string, val any, expiration time.Duration) error {
	l.cache.Add(key, newItem(val, expiration))
	return nil
}

func (l *LRUCache) Get(ctx context.Context, key string) (any, error) {
	item, ok := l.cache.Get(key)
	if !ok {
		return nil, errKeyNotFound(key)
	}
	if item.expiredAt(time.Now()) {
		l.mutex.Lock()
		// double check, 期间可能已经被重新写入
		if cur, ok := l.cache.Peek(key); ok && cur == item {
			l.cache.Remove(key)
		}
		l.mutex.Unlock()
		return nil, errKeyNotFound(key)
	}
	return item.val, nil
}

func (l *LRUCache) Delete(ctx context.Context, key string) error {
	l.cache.Remove(key)
	return nil
}

func (l *LRUCache) Len() int {
	return l.cache.Len()
}
