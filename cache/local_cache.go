package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var _ Cache = new(BuildInMapCache)

type BuildInMapCacheOption func(b *BuildInMapCache)

// BuildInMapCacheWithEvictedCallback 键被删除或者过期清理时回调, 调用时持有写锁
func BuildInMapCacheWithEvictedCallback(fn func(key string, val any)) BuildInMapCacheOption {
	return func(b *BuildInMapCache) {
		b.onEvicted = fn
	}
}

// BuildInMapCacheWithSweepLimit 每轮清理最多检查多少个键
func BuildInMapCacheWithSweepLimit(n int) BuildInMapCacheOption {
	return func(b *BuildInMapCache) {
		b.sweepLimit = n
	}
}

// BuildInMapCache 进程内缓存, map 加读写锁
// 不再使用时要调用 Close 停止后台清理
type BuildInMapCache struct {
	mutex sync.RWMutex
	data  map[string]*Item

	onEvicted  func(key string, val any)
	sweepLimit int

	closeC    chan struct{}
	closeOnce sync.Once
}

func NewBuildInMapCache(interval time.Duration, opts ...BuildInMapCacheOption) *BuildInMapCache {
	b := &BuildInMapCache{
		data:       make(map[string]*Item, 64),
		sweepLimit: 1000,
		closeC:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.loop(interval)
	return b
}

func (b *BuildInMapCache) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			b.sweep(now)
		case <-b.closeC:
			return
		}
	}
}

// sweep 借 map 的随机遍历顺序每轮抽查一部分键
// 没被抽到的过期键由 Get 负责删除
func (b *BuildInMapCache) sweep(now time.Time) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.sweepLocked(now, b.sweepLimit)
}

func (b *BuildInMapCache) sweepLocked(now time.Time, limit int) int {
	var checked, removed int
	for key, it := range b.data {
		if checked >= limit {
			break
		}
		checked++
		if it.expiredAt(now) {
			b.delete(key)
			removed++
		}
	}
	return removed
}

func (b *BuildInMapCache) Set(ctx context.Context, key string, val any, expiration time.Duration) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.data[key] = newItem(val, expiration)
	return nil
}

func (b *BuildInMapCache) Get(ctx context.Context, key string) (any, error) {
	b.mutex.RLock()
	it, ok := b.data[key]
	b.mutex.RUnlock()
	now := time.Now()
	if ok && !it.expiredAt(now) {
		return it.val, nil
	}
	if !ok {
		return nil, errKeyNotFound(key)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	// 换锁的间隙里可能被重新写入
	it, ok = b.data[key]
	if !ok {
		return nil, errKeyNotFound(key)
	}
	if !it.expiredAt(now) {
		return it.val, nil
	}
	b.delete(key)
	return nil, errKeyNotFound(key)
}

func (b *BuildInMapCache) Delete(ctx context.Context, key string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.delete(key)
	return nil
}

// Len 包括已经过期但还没清理掉的键
func (b *BuildInMapCache) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.data)
}

// Close 可以重复调用
func (b *BuildInMapCache) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeC)
	})
	return nil
}

func (b *BuildInMapCache) delete(key string) {
	it, ok := b.data[key]
	if !ok {
		return
	}
	delete(b.data, key)
	if b.onEvicted != nil {
		b.onEvicted(key, it.val)
	}
}

// Item 进程内缓存的一个值, 零 deadline 表示永不过期
type Item struct {
	val      any
	deadline time.Time
}

func newItem(val any, expiration time.Duration) *Item {
	it := &Item{val: val}
	if expiration > 0 {
		it.deadline = time.Now().Add(expiration)
	}
	return it
}

func (it *Item) expiredAt(now time.Time) bool {
	return !it.deadline.IsZero() && it.deadline.Before(now)
}

func errKeyNotFound(key string) error {
	return fmt.Errorf("%w, key: %s", ErrKeyNotFound, key)
}
