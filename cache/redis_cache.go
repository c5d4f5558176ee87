package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	errFailedToSetCache = errors.New("cache: 写入键值对失败")
)

//go:generate mockgen -destination=mocks/redis_client.mock.go -package=mocks github.com/startdusk/docsession/cache RedisClient

// RedisClient 只用到的那几个命令, redis.Cmdable 天然满足
// 单元测试用 mock 代替, 不连 redis
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ RedisClient = redis.Cmdable(nil)

var _ Cache = &RedisCache{}

type RedisCache struct {
	client RedisClient
}

func NewRedisCache(client RedisClient) *RedisCache {
	return &RedisCache{
		client: client,
	}
}

func (r *RedisCache) Set(ctx context.Context, key string, val any, expiration time.Duration) error {
	res, err := r.client.Set(ctx, key, val, expiration).Result()
	if err != nil {
		return err
	}
	if res != "OK" {
		return fmt.Errorf("%w, 返回信息 %s", errFailedToSetCache, res)
	}
	return nil
}

// Get 值统一以 string 返回
func (r *RedisCache) Get(ctx context.Context, key string) (any, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errKeyNotFound(key)
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	_, err := r.client.Del(ctx, key).Result()
	return err
}
