package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/startdusk/docsession/cache/mocks"
)

const rowsValue = `{"rows":[[1,"{\"ID\":1}","Blog"]]}`

func Test_RedisCache(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		// 单元测试不连 redis
		mock func(rc *mocks.MockRedisClient)
		op   func(c *RedisCache) (any, error)

		wantVal any
		wantErr error
	}{
		{
			name: "set rows",
			mock: func(rc *mocks.MockRedisClient) {
				status := redis.NewStatusCmd(ctx)
				status.SetVal("OK")
				rc.EXPECT().Set(ctx, "blog:k:1", []byte(rowsValue), time.Minute).Return(status)
			},
			op: func(c *RedisCache) (any, error) {
				return nil, c.Set(ctx, "blog:k:1", []byte(rowsValue), time.Minute)
			},
		},
		{
			name: "set unexpected reply",
			mock: func(rc *mocks.MockRedisClient) {
				status := redis.NewStatusCmd(ctx)
				status.SetVal("QUEUED")
				rc.EXPECT().Set(ctx, "blog:k:1", "x", time.Duration(0)).Return(status)
			},
			op: func(c *RedisCache) (any, error) {
				return nil, c.Set(ctx, "blog:k:1", "x", 0)
			},
			wantErr: errFailedToSetCache,
		},
		{
			name: "set timeout",
			mock: func(rc *mocks.MockRedisClient) {
				status := redis.NewStatusCmd(ctx)
				status.SetErr(context.DeadlineExceeded)
				rc.EXPECT().Set(ctx, "blog:k:1", "x", time.Second).Return(status)
			},
			op: func(c *RedisCache) (any, error) {
				return nil, c.Set(ctx, "blog:k:1", "x", time.Second)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "get rows",
			mock: func(rc *mocks.MockRedisClient) {
				cmd := redis.NewStringCmd(ctx)
				cmd.SetVal(rowsValue)
				rc.EXPECT().Get(ctx, "blog:k:1").Return(cmd)
			},
			op: func(c *RedisCache) (any, error) {
				return c.Get(ctx, "blog:k:1")
			},
			wantVal: rowsValue,
		},
		{
			name: "get missing",
			mock: func(rc *mocks.MockRedisClient) {
				cmd := redis.NewStringCmd(ctx)
				cmd.SetErr(redis.Nil)
				rc.EXPECT().Get(ctx, "blog:k:404").Return(cmd)
			},
			op: func(c *RedisCache) (any, error) {
				return c.Get(ctx, "blog:k:404")
			},
			wantErr: ErrKeyNotFound,
		},
		{
			name: "get timeout",
			mock: func(rc *mocks.MockRedisClient) {
				cmd := redis.NewStringCmd(ctx)
				cmd.SetErr(context.DeadlineExceeded)
				rc.EXPECT().Get(ctx, "blog:k:1").Return(cmd)
			},
			op: func(c *RedisCache) (any, error) {
				return c.Get(ctx, "blog:k:1")
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "delete missing key",
			mock: func(rc *mocks.MockRedisClient) {
				cmd := redis.NewIntCmd(ctx)
				cmd.SetVal(0)
				rc.EXPECT().Del(ctx, "blog:k:1").Return(cmd)
			},
			op: func(c *RedisCache) (any, error) {
				return nil, c.Delete(ctx, "blog:k:1")
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			rc := mocks.NewMockRedisClient(ctrl)
			c.mock(rc)
			val, err := c.op(NewRedisCache(rc))
			if c.wantErr != nil {
				assert.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.wantVal, val)
		})
	}
}
