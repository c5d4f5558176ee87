package orm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/startdusk/docsession/cache"
)

func Test_MySQLDSN(t *testing.T) {
	dsn, err := MySQLDSN("root:root@tcp(localhost:3306)/docsession")
	require.NoError(t, err)
	assert.Contains(t, dsn, "multiStatements=true")
	assert.Contains(t, dsn, "interpolateParams=true")
	assert.Contains(t, dsn, "clientFoundRows=true")

	_, err = MySQLDSN("bad")
	assert.Error(t, err)
}

func Test_LoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsession.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dsn: root:root@tcp(localhost:3306)/docsession
max_open_conns: 50
retry:
  interval: 100ms
  max_cnt: 3
cache:
  memory: lru
  size: 128
  redis:
    addr: localhost:6379
  singleflight: true
  collections:
    blog: 1m
    "*": 10s
log:
  level: debug
`), 0o644))
	t.Setenv("DOCSESSION_REDIS_ADDR", "redis:6380")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "root:root@tcp(localhost:3306)/docsession", cfg.DSN)
	assert.Equal(t, 50, cfg.MaxOpenConns)
	// 没有出现的字段保留默认值
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, RetryConfig{Interval: 100 * time.Millisecond, MaxCnt: 3}, cfg.Retry)
	assert.Equal(t, "lru", cfg.Cache.Memory)
	assert.Equal(t, 128, cfg.Cache.Size)
	assert.Equal(t, time.Minute, cfg.Cache.CleanupInterval)
	assert.True(t, cfg.Cache.Singleflight)
	assert.Equal(t, "redis:6380", cfg.Cache.Redis.Addr)
	assert.Equal(t, map[string]time.Duration{"blog": time.Minute, "*": 10 * time.Second}, cfg.Cache.Collections)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func Test_CacheConfig_options(t *testing.T) {
	cases := []struct {
		name string
		cfg  CacheConfig

		wantMemory      int
		wantDistributed int
		wantMemoryCache cache.Cache
		wantPolicy      bool
		wantErr         bool
	}{
		{
			name: "none",
		},
		{
			name:       "lru",
			cfg:             CacheConfig{Memory: "lru", Size: 8},
			wantMemory:      1,
			wantMemoryCache: &cache.LRUCache{},
		},
		{
			name:            "lru with jitter",
			cfg:             CacheConfig{Memory: "lru", Size: 8, ExpirationJitter: time.Second},
			wantMemory:      1,
			wantMemoryCache: &cache.RandomExpirationCache{},
		},
		{
			name:       "gocache with policy",
			cfg:        CacheConfig{Memory: "gocache", CleanupInterval: time.Minute, Collections: map[string]time.Duration{"*": time.Minute}},
			wantMemory:      1,
			wantMemoryCache: &cache.GoCache{},
			wantPolicy:      true,
		},
		{
			name:            "map and redis",
			cfg:             CacheConfig{Memory: "map", Size: 16, CleanupInterval: time.Minute, Redis: &RedisConfig{Addr: "localhost:6379"}, Singleflight: true},
			wantMemory:      1,
			wantMemoryCache: &cache.MaxCntCache{},
			wantDistributed: 1,
		},
		{
			name:    "unknown",
			cfg:     CacheConfig{Memory: "memcached"},
			wantErr: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts, err := c.cfg.options()
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			mockDB, _, err := sqlmock.New()
			require.NoError(t, err)
			defer func() {
				_ = mockDB.Close()
			}()
			db, err := OpenDB(mockDB, opts...)
			require.NoError(t, err)
			assert.Len(t, db.memory, c.wantMemory)
			assert.Len(t, db.distributed, c.wantDistributed)
			if c.wantMemoryCache != nil {
				assert.IsType(t, c.wantMemoryCache, db.memory[0].Cache)
			}
			if c.wantDistributed > 0 {
				assert.IsType(t, &cache.SingleflightCache{}, db.distributed[0].Cache)
			}
			assert.Equal(t, c.wantPolicy, db.policy != nil)
		})
	}
}

func Test_LogConfig_build(t *testing.T) {
	l, err := LogConfig{Level: "warn", Development: true}.build()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))
	assert.True(t, l.Core().Enabled(1))

	_, err = LogConfig{Level: "loud"}.build()
	assert.Error(t, err)
}
