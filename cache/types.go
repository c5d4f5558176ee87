package cache

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound 过期和找不到, 用户不应该区分
// 所有实现都用 errors.Is 能识别的方式返回它
var ErrKeyNotFound = errors.New("cache: 键不存在")

// 为什么不用泛型
// type Cache[T any] interface
// 由于Golang泛型的缺陷, 使用泛型只能用一种类型, 但缓存是会缓存多种类型, 使用any + 类型转换更合适
type Cache interface {
	// Set expiration 为 0 表示永不过期
	Set(ctx context.Context, key string, val any, expiration time.Duration) error
	Get(ctx context.Context, key string) (any, error)
	// Delete 键不存在不算错误
	Delete(ctx context.Context, key string) error
}
