package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_BuildInMapCache_Get(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		setup func(t *testing.T, c *BuildInMapCache)

		wantVal   any
		wantErr   error
		wantEvict int
	}{
		{
			name:    "key not found",
			key:     "missing",
			wantErr: ErrKeyNotFound,
		},
		{
			name: "expired key",
			key:  "blog:k:1",
			setup: func(t *testing.T, c *BuildInMapCache) {
				require.NoError(t, c.Set(context.Background(), "blog:k:1", "row", time.Millisecond))
				time.Sleep(5 * time.Millisecond)
			},
			wantErr:   ErrKeyNotFound,
			wantEvict: 1,
		},
		{
			name: "get value",
			key:  "blog:k:1",
			setup: func(t *testing.T, c *BuildInMapCache) {
				require.NoError(t, c.Set(context.Background(), "blog:k:1", "row", time.Minute))
			},
			wantVal: "row",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var evicted int
			cache := NewBuildInMapCache(time.Hour, BuildInMapCacheWithEvictedCallback(func(key string, val any) {
				evicted++
			}))
			defer cache.Close()
			if c.setup != nil {
				c.setup(t, cache)
			}
			val, err := cache.Get(context.Background(), c.key)
			assert.Equal(t, c.wantEvict, evicted)
			if c.wantErr != nil {
				assert.ErrorIs(t, err, c.wantErr)
				assert.Contains(t, err.Error(), c.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.wantVal, val)
		})
	}
}

func Test_BuildInMapCache_Sweep(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	c := NewBuildInMapCache(time.Hour,
		BuildInMapCacheWithSweepLimit(2),
		BuildInMapCacheWithEvictedCallback(func(key string, val any) {
			evicted = append(evicted, key)
		}))
	defer c.Close()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, key, key, time.Millisecond))
	}
	require.NoError(t, c.Set(ctx, "forever", 1, 0))

	now := time.Now().Add(time.Second)
	// 每轮最多检查两个键
	removed := c.sweep(now)
	assert.LessOrEqual(t, removed, 2)
	for c.sweep(now) > 0 {
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, evicted)
	assert.Equal(t, 1, c.Len())
}

func Test_BuildInMapCache_Loop(t *testing.T) {
	done := make(chan string, 1)
	c := NewBuildInMapCache(10*time.Millisecond, BuildInMapCacheWithEvictedCallback(func(key string, val any) {
		done <- key
	}))
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "key1", 123, time.Millisecond))
	select {
	case key := <-done:
		assert.Equal(t, "key1", key)
	case <-time.After(time.Second):
		t.Fatal("过期的键没有被后台清理")
	}
	assert.NoError(t, c.Close())
	// 重复关闭
	assert.NoError(t, c.Close())
}
